package flight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/internal/arena"
	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

func newTestRegistry(t *testing.T, executor Executor, opts RegistryOptions) (*Registry, *store.Store, *memory.CheckedAllocator) {
	t.Helper()
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	st := store.New(arena.New(alloc, 0), store.Options{SweepInterval: -1, Logger: testLogger})
	if opts.Logger == nil {
		opts.Logger = testLogger
	}
	reg := NewRegistry(st, executor, alloc, opts)
	t.Cleanup(func() {
		reg.Close()
		st.Close()
		alloc.AssertSize(t, 0)
	})
	return reg, st, alloc
}

func TestStatusWaitsForProgress(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, req QueryRequest, w *ResultWriter) error {
		<-release
		rec := buildBatch(t, w.Allocator(), 7)
		defer rec.Release()
		_, err := w.Stream("p0").Write(testSchema, rec)
		return err
	})
	reg, _, _ := newTestRegistry(t, executor, RegistryOptions{})

	id, err := reg.Submit(QueryRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Without progress the wait times out and reports the running query.
	st, err := reg.Status(context.Background(), id, 0, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State.Done() || len(st.Tickets) != 0 {
		t.Fatalf("Status() = %+v, want running without tickets", st)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	st, err = reg.Status(context.Background(), id, 0, 5*time.Second)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(st.Tickets) != 1 {
		t.Fatalf("Status() returned %d tickets, want 1", len(st.Tickets))
	}
}

func TestStatusHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	executor := ExecutorFunc(func(ctx context.Context, req QueryRequest, w *ResultWriter) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	reg, _, _ := newTestRegistry(t, executor, RegistryOptions{})

	id, _ := reg.Submit(QueryRequest{Query: "q"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := reg.Status(ctx, id, 0, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Status() error = %v, want DeadlineExceeded", err)
	}
}

func TestStreamWriterOrdinals(t *testing.T) {
	var tickets []ticket.Ticket
	done := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, req QueryRequest, w *ResultWriter) error {
		defer close(done)
		a, b := w.Stream("p0"), w.Stream("p1")
		for i := 0; i < 3; i++ {
			for _, s := range []*StreamWriter{a, b} {
				rec := buildBatch(t, w.Allocator(), int64(i))
				tk, err := s.Write(testSchema, rec)
				rec.Release()
				if err != nil {
					return err
				}
				tickets = append(tickets, tk)
			}
		}
		return nil
	})
	reg, st, _ := newTestRegistry(t, executor, RegistryOptions{NodeID: "n1"})

	if _, err := reg.Submit(QueryRequest{Query: "q"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-done

	if len(tickets) != 6 {
		t.Fatalf("wrote %d tickets, want 6", len(tickets))
	}
	for i, tk := range tickets {
		if tk.Ordinal != int64(i/2) {
			t.Errorf("ticket %d ordinal = %d, want %d", i, tk.Ordinal, i/2)
		}
	}
	if tickets[0].Guard == tickets[1].Guard {
		t.Error("partitions share an instance guard")
	}
	if tickets[0].Guard != tickets[2].Guard {
		t.Error("one partition uses several guards")
	}
	if !st.Owns(tickets[0].Guard) {
		t.Error("guard not minted by the store")
	}
}

func TestWriteAfterCancelIsRejected(t *testing.T) {
	canceled := make(chan struct{})
	result := make(chan error, 1)
	executor := ExecutorFunc(func(ctx context.Context, req QueryRequest, w *ResultWriter) error {
		<-ctx.Done()
		<-canceled
		rec := buildBatch(t, w.Allocator(), 1)
		defer rec.Release()
		_, err := w.Stream("p0").Write(testSchema, rec)
		result <- err
		return err
	})
	reg, st, _ := newTestRegistry(t, executor, RegistryOptions{})

	id, _ := reg.Submit(QueryRequest{Query: "q"})
	if _, err := reg.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(canceled)

	if err := <-result; !errors.Is(err, ErrQueryCanceled) {
		t.Errorf("Write() after cancel error = %v, want ErrQueryCanceled", err)
	}
	if st.Len() != 0 {
		t.Errorf("store holds %d chunks", st.Len())
	}
}

func TestFinishedQueriesAreForgotten(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, req QueryRequest, w *ResultWriter) error {
		rec := buildBatch(t, w.Allocator(), 1)
		defer rec.Release()
		_, err := w.Stream("p0").Write(testSchema, rec)
		return err
	})
	reg, st, _ := newTestRegistry(t, executor, RegistryOptions{Retention: 10 * time.Millisecond})

	id, _ := reg.Submit(QueryRequest{Query: "q"})
	qs, err := reg.Status(context.Background(), id, 1, 5*time.Second)
	if err != nil || qs.State != QueryFinished {
		t.Fatalf("Status() = %+v, %v", qs, err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := reg.Status(context.Background(), id, 0, 0); !errors.Is(err, ErrQueryNotFound) {
		t.Errorf("Status() after retention error = %v, want ErrQueryNotFound", err)
	}
	if reg.Len() != 0 || st.Len() != 0 {
		t.Errorf("registry holds %d queries, store holds %d chunks", reg.Len(), st.Len())
	}
}

func TestSubmitAfterClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t, ExecutorFunc(func(context.Context, QueryRequest, *ResultWriter) error { return nil }), RegistryOptions{})
	reg.Close()
	if _, err := reg.Submit(QueryRequest{Query: "q"}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Submit() error = %v, want ErrRegistryClosed", err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{ticket.ErrMalformedTicket, codes.InvalidArgument},
		{store.ErrNotFound, codes.NotFound},
		{store.ErrAlreadyConsumed, codes.FailedPrecondition},
		{store.ErrExpired, codes.DeadlineExceeded},
		{store.ErrDuplicateTicket, codes.AlreadyExists},
		{store.ErrArenaExhausted, codes.ResourceExhausted},
		{ErrQueryNotFound, codes.NotFound},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		got := ToStatus(tt.err)
		if status.Code(got) != tt.code {
			t.Errorf("ToStatus(%v) code = %v, want %v", tt.err, status.Code(got), tt.code)
		}
	}

	for _, sentinel := range []error{store.ErrNotFound, store.ErrAlreadyConsumed, store.ErrExpired, store.ErrDuplicateTicket, store.ErrArenaExhausted} {
		if back := FromStatus(ToStatus(sentinel)); !errors.Is(back, sentinel) {
			t.Errorf("FromStatus(ToStatus(%v)) = %v", sentinel, back)
		}
	}

	if ToStatus(nil) != nil {
		t.Error("ToStatus(nil) != nil")
	}
	unavailable := status.Error(codes.Unavailable, "down")
	if FromStatus(unavailable) != unavailable {
		t.Error("FromStatus changed an Unavailable error")
	}
}
