package resultset

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/hugr-lab/resultflight/client"
)

// fakeClient replays a fixed list of batches. Records are owned by the
// client and released when it advances past them, like the real clients.
type fakeClient struct {
	session  client.Session
	setProps map[string]string
	batches  []client.Batch
	failAt   int // index at which Advance fails, -1 for never
	failErr  error
	warnings []client.Warning

	pos      int
	current  client.Batch
	err      error
	advances int
	closed   bool
}

func newFakeClient(batches ...client.Batch) *fakeClient {
	return &fakeClient{batches: batches, failAt: -1, pos: -1}
}

func (f *fakeClient) Submit(context.Context) error { return nil }

func (f *fakeClient) Advance(context.Context) bool {
	f.advances++
	if f.current.Record != nil {
		f.current.Record.Release()
	}
	f.current = client.Batch{}
	if f.err != nil {
		return false
	}
	if f.pos+1 == f.failAt {
		f.err = f.failErr
		return false
	}
	if f.pos+1 >= len(f.batches) {
		return false
	}
	f.pos++
	f.current = f.batches[f.pos]
	return true
}

func (f *fakeClient) Current() client.Batch { return f.current }

func (f *fakeClient) Columns() []client.Column {
	return []client.Column{{Name: "id", Type: "bigint"}, {Name: "name", Type: "varchar"}}
}

func (f *fakeClient) Stats() client.Stats {
	return client.Stats{QueryID: "q1", Chunks: f.pos + 1}
}

func (f *fakeClient) Warnings() []client.Warning { return f.warnings }

func (f *fakeClient) SetSessionProperties() map[string]string { return f.setProps }

func (f *fakeClient) ClearSessionProperties() []string { return nil }

func (f *fakeClient) Session() client.Session { return f.session }

func (f *fakeClient) Finished() bool { return f.err != nil || f.pos+1 >= len(f.batches) }

func (f *fakeClient) Err() error { return f.err }

func (f *fakeClient) Cancel(context.Context) error { return nil }

func (f *fakeClient) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.current.Record != nil {
		f.current.Record.Release()
		f.current = client.Batch{}
	}
	for _, b := range f.batches[f.pos+1:] {
		if b.Record != nil {
			b.Record.Release()
		}
	}
	f.batches = nil
	return nil
}

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func recordBatch(alloc memory.Allocator, ids ...int64) client.Batch {
	b := array.NewRecordBuilder(alloc, testSchema)
	defer b.Release()
	for _, id := range ids {
		b.Field(0).(*array.Int64Builder).Append(id)
		if id%2 == 0 {
			b.Field(1).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(1).(*array.StringBuilder).Append(fmt.Sprintf("n%d", id))
		}
	}
	return client.Batch{Record: b.NewRecord()}
}

func rowBatch(ids ...int64) client.Batch {
	var rows [][]any
	for _, id := range ids {
		var name any
		if id%2 != 0 {
			name = fmt.Sprintf("n%d", id)
		}
		rows = append(rows, []any{id, name})
	}
	return client.Batch{Rows: rows}
}

func collect(t *testing.T, rs ResultSet) [][]any {
	t.Helper()
	var rows [][]any
	for rs.Next() {
		rows = append(rows, append([]any(nil), rs.Row()...))
	}
	return rows
}

func TestLookupFormat(t *testing.T) {
	tests := []struct {
		value   string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"  ", FormatJSON, false},
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"arrow", FormatArrow, false},
		{"Arrow", FormatArrow, false},
		{"parquet", "", true},
		{"rows", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := LookupFormat(tt.value)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedResultFormat) {
					t.Fatalf("LookupFormat(%q) error = %v, want ErrUnsupportedResultFormat", tt.value, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("LookupFormat(%q) = %q, %v, want %q", tt.value, got, err, tt.want)
			}
		})
	}
}

func TestGetResultSetSelectsFormat(t *testing.T) {
	tests := []struct {
		name     string
		session  map[string]string
		server   map[string]string
		want     Format
		columnar bool
		wantErr  bool
	}{
		{name: "no property", want: FormatJSON},
		{name: "session json", session: map[string]string{PropertyResultFormat: "json"}, want: FormatJSON},
		{name: "session arrow", session: map[string]string{PropertyResultFormat: "ARROW"}, want: FormatArrow, columnar: true},
		{name: "server overrides session", session: map[string]string{PropertyResultFormat: "json"}, server: map[string]string{PropertyResultFormat: "arrow"}, want: FormatArrow, columnar: true},
		{name: "unknown value", session: map[string]string{PropertyResultFormat: "csv"}, wantErr: true},
		{name: "unknown server value", server: map[string]string{PropertyResultFormat: "csv"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeClient(rowBatch(1))
			c.session.Properties = tt.session
			c.setProps = tt.server

			rs, err := GetResultSet(context.Background(), c, 0, nil, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedResultFormat) {
					t.Fatalf("GetResultSet() error = %v, want ErrUnsupportedResultFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetResultSet() error = %v", err)
			}
			defer rs.Close()

			if rs.Format() != tt.want {
				t.Errorf("Format() = %q, want %q", rs.Format(), tt.want)
			}
			if _, ok := rs.(ColumnarResultSet); ok != tt.columnar {
				t.Errorf("columnar capability = %v, want %v", ok, tt.columnar)
			}
		})
	}
}

func TestRowResultSet(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	c := newFakeClient(rowBatch(1, 2), rowBatch(), recordBatch(alloc, 3, 4))
	c.warnings = []client.Warning{{Code: "W1", Message: "a"}, {Code: "W1", Message: "a"}}

	var progress []client.Stats
	var sunk []client.Warning
	wm := NewWarningsManager(func(w client.Warning) { sunk = append(sunk, w) })

	rs, err := GetResultSet(context.Background(), c, 0, func(s client.Stats) { progress = append(progress, s) }, wm)
	if err != nil {
		t.Fatalf("GetResultSet() error = %v", err)
	}

	rows := collect(t, rs)
	want := [][]any{{int64(1), "n1"}, {int64(2), nil}, {int64(3), "n3"}, {int64(4), nil}}
	if fmt.Sprint(rows) != fmt.Sprint(want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
	if !rs.Done() || rs.Err() != nil {
		t.Errorf("Done() = %v, Err() = %v", rs.Done(), rs.Err())
	}
	if cols := rs.Columns(); len(cols) != 2 || cols[1].Name != "name" {
		t.Errorf("Columns() = %v", cols)
	}
	if len(progress) != c.advances {
		t.Errorf("progress called %d times for %d advances", len(progress), c.advances)
	}
	if len(sunk) != 1 || len(wm.Warnings()) != 1 {
		t.Errorf("warnings sunk %v, collected %v, want one", sunk, wm.Warnings())
	}
	if rs.Next() {
		t.Error("Next() = true after the end")
	}

	if err := rs.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !c.closed {
		t.Error("Close() did not close the client")
	}
	if rs.Err() != nil {
		t.Errorf("Err() after Close of a finished result set = %v", rs.Err())
	}
}

func TestColumnarResultSet(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	c := newFakeClient(recordBatch(alloc, 1, 2), recordBatch(alloc, 3))
	c.session.Properties = map[string]string{PropertyResultFormat: "arrow"}

	rs, err := GetResultSet(context.Background(), c, 0, nil, nil)
	if err != nil {
		t.Fatalf("GetResultSet() error = %v", err)
	}
	crs := rs.(ColumnarResultSet)

	var ids []int64
	for crs.Next() {
		rec, i := crs.Record()
		if rec == nil || i < 0 {
			t.Fatalf("Record() = %v, %d", rec, i)
		}
		id := rec.Column(0).(*array.Int64).Value(i)
		if row := crs.Row(); row[0] != id {
			t.Errorf("Row()[0] = %v, Record value = %d", row[0], id)
		}
		ids = append(ids, id)
	}
	if len(ids) != 3 || ids[2] != 3 {
		t.Errorf("ids = %v", ids)
	}
	if rec, _ := crs.Record(); rec != nil {
		t.Error("Record() kept a batch after the end")
	}
	if err := rs.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMaxRows(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	for _, format := range []string{"json", "arrow"} {
		t.Run(format, func(t *testing.T) {
			c := newFakeClient(recordBatch(alloc, 1, 2), recordBatch(alloc, 3, 4))
			c.session.Properties = map[string]string{PropertyResultFormat: format}

			rs, err := GetResultSet(context.Background(), c, 3, nil, nil)
			if err != nil {
				t.Fatalf("GetResultSet() error = %v", err)
			}
			rows := collect(t, rs)
			if len(rows) != 3 {
				t.Errorf("rows = %v, want 3", rows)
			}
			if !rs.Done() {
				t.Error("Done() = false after reaching maxRows")
			}
			rs.Close()
		})
	}
}

func TestTerminalErrorSurfacesOnce(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	failure := &client.QueryError{QueryID: "q1", Message: "worker lost"}
	c := newFakeClient(recordBatch(alloc, 1, 2), recordBatch(alloc, 3))
	c.failAt = 1
	c.failErr = failure

	rs, err := GetResultSet(context.Background(), c, 0, nil, nil)
	if err != nil {
		t.Fatalf("GetResultSet() error = %v", err)
	}

	rows := collect(t, rs)
	if len(rows) != 2 || rows[0][0] != int64(1) {
		t.Errorf("rows before the failure = %v", rows)
	}
	if !errors.Is(rs.Err(), client.ErrQueryFailed) {
		t.Fatalf("Err() = %v, want query failure", rs.Err())
	}
	if rs.Done() {
		t.Error("Done() = true for a failed result set")
	}

	c.err = errors.New("later failure")
	if rs.Next() {
		t.Error("Next() = true after the terminal error")
	}
	rs.Close()
	if rs.Err() != error(failure) {
		t.Errorf("Err() = %v, want the first failure", rs.Err())
	}
}

func TestCloseBeforeEnd(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	c := newFakeClient(recordBatch(alloc, 1, 2), recordBatch(alloc, 3))
	c.session.Properties = map[string]string{PropertyResultFormat: "arrow"}
	rs, err := GetResultSet(context.Background(), c, 0, nil, nil)
	if err != nil {
		t.Fatalf("GetResultSet() error = %v", err)
	}
	if !rs.Next() {
		t.Fatal("Next() = false")
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if rs.Next() || rs.Row() != nil {
		t.Error("closed result set still yields rows")
	}
	if rs.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", rs.Err())
	}
	if rs.Done() {
		t.Error("Done() = true for a result set closed before the end")
	}
	if err := rs.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWarningsManager(t *testing.T) {
	var sunk []client.Warning
	wm := NewWarningsManager(func(w client.Warning) { sunk = append(sunk, w) })

	wm.Add(client.Warning{Code: "A", Message: "x"}, client.Warning{Code: "B", Message: "y"})
	wm.Add(client.Warning{Code: "A", Message: "x"}, client.Warning{Code: "A", Message: "z"})

	if got := wm.Warnings(); len(got) != 3 || got[2].Message != "z" {
		t.Errorf("Warnings() = %v", got)
	}
	if len(sunk) != 3 {
		t.Errorf("sink received %v", sunk)
	}

	wm.Clear()
	wm.Add(client.Warning{Code: "A", Message: "x"})
	if len(wm.Warnings()) != 0 || len(sunk) != 3 {
		t.Error("a cleared warning was reported again")
	}
}
