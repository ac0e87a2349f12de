package arena

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func buildRecord(t *testing.T, alloc memory.Allocator, values ...int64) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()
	builder.Field(0).(*array.Int64Builder).AppendValues(values, nil)
	return builder.NewRecord()
}

func TestAcquireRelease(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	a := New(alloc, 0)
	rec := buildRecord(t, alloc, 1, 2, 3)

	h, err := a.Acquire([]arrow.Record{rec})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// The arena holds its own reference.
	rec.Release()

	if a.Live() != 1 {
		t.Errorf("Live() = %d, want 1", a.Live())
	}
	if a.Used() <= 0 {
		t.Errorf("Used() = %d, want > 0", a.Used())
	}
	if a.Size(h) != a.Used() {
		t.Errorf("Size() = %d, Used() = %d", a.Size(h), a.Used())
	}

	records, ok := a.Records(h)
	if !ok || len(records) != 1 || records[0].NumRows() != 3 {
		t.Fatalf("Records() = %v, %v", records, ok)
	}

	if !a.Release(h) {
		t.Error("Release() = false, want true")
	}
	if a.Release(h) {
		t.Error("second Release() = true, want false")
	}
	if a.Used() != 0 || a.Live() != 0 {
		t.Errorf("after release Used() = %d Live() = %d", a.Used(), a.Live())
	}
}

func TestAcquireLimit(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	rec := buildRecord(t, alloc, 1, 2, 3, 4, 5, 6, 7, 8)
	defer rec.Release()

	size := RecordSize(rec)
	a := New(alloc, size+size/2)
	if got := a.Available(); got != size+size/2 {
		t.Errorf("Available() = %d, want %d", got, size+size/2)
	}

	h, err := a.Acquire([]arrow.Record{rec})
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if got := a.Available(); got != size/2 {
		t.Errorf("Available() after Acquire = %d, want %d", got, size/2)
	}
	if _, err := a.Acquire([]arrow.Record{rec}); !errors.Is(err, ErrExhausted) {
		t.Errorf("second Acquire() error = %v, want ErrExhausted", err)
	}

	a.Release(h)
	h, err = a.Acquire([]arrow.Record{rec})
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	a.Release(h)
}

func TestAvailableUnbounded(t *testing.T) {
	if got := New(nil, 0).Available(); got != -1 {
		t.Errorf("Available() = %d, want -1", got)
	}
}

func TestCloseReleasesLeakedHandles(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	a := New(alloc, 0)
	for i := 0; i < 3; i++ {
		rec := buildRecord(t, alloc, int64(i))
		if _, err := a.Acquire([]arrow.Record{rec}); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		rec.Release()
	}

	if leaked := a.Close(); leaked != 3 {
		t.Errorf("Close() = %d, want 3", leaked)
	}
	if leaked := a.Close(); leaked != 0 {
		t.Errorf("second Close() = %d, want 0", leaked)
	}

	rec := buildRecord(t, alloc, 1)
	defer rec.Release()
	if _, err := a.Acquire([]arrow.Record{rec}); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Close error = %v, want ErrClosed", err)
	}
}

func TestRecordSize(t *testing.T) {
	alloc := memory.NewGoAllocator()
	small := buildRecord(t, alloc, 1)
	defer small.Release()
	large := buildRecord(t, alloc, make([]int64, 1024)...)
	defer large.Release()

	if RecordSize(nil) != 0 {
		t.Error("RecordSize(nil) != 0")
	}
	if RecordSize(large) < 1024*8 {
		t.Errorf("RecordSize(large) = %d, want >= %d", RecordSize(large), 1024*8)
	}
	if RecordSize(small) >= RecordSize(large) {
		t.Errorf("RecordSize(small) = %d >= RecordSize(large) = %d", RecordSize(small), RecordSize(large))
	}
}
