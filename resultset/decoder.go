package resultset

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/hugr-lab/resultflight/client"
)

// rowDecoder walks row-major batches. Arrow batches are materialized into
// rows as they are loaded.
type rowDecoder struct {
	rows [][]any
	pos  int
}

func (d *rowDecoder) load(b client.Batch) {
	if b.Record != nil {
		d.rows = recordRows(b.Record)
	} else {
		d.rows = b.Rows
	}
	d.pos = -1
}

func (d *rowDecoder) next() bool {
	if d.pos+1 >= len(d.rows) {
		return false
	}
	d.pos++
	return true
}

func (d *rowDecoder) row() []any {
	if d.pos < 0 || d.pos >= len(d.rows) {
		return nil
	}
	return d.rows[d.pos]
}

func (d *rowDecoder) release() {
	d.rows = nil
	d.pos = -1
}

// columnarDecoder keeps the Arrow batch and reads one row across its
// columns on demand. Row-major batches pass through unchanged.
type columnarDecoder struct {
	rec  arrow.Record
	rows [][]any
	pos  int
	buf  []any
}

func (d *columnarDecoder) load(b client.Batch) {
	if b.Record != nil {
		b.Record.Retain()
		d.rec = b.Record
	} else {
		d.rows = b.Rows
	}
	d.pos = -1
}

func (d *columnarDecoder) next() bool {
	n := len(d.rows)
	if d.rec != nil {
		n = int(d.rec.NumRows())
	}
	if d.pos+1 >= n {
		return false
	}
	d.pos++
	return true
}

func (d *columnarDecoder) row() []any {
	if d.pos < 0 {
		return nil
	}
	if d.rec == nil {
		if d.pos >= len(d.rows) {
			return nil
		}
		return d.rows[d.pos]
	}
	cols := d.rec.Columns()
	if cap(d.buf) < len(cols) {
		d.buf = make([]any, len(cols))
	}
	d.buf = d.buf[:len(cols)]
	for i, col := range cols {
		d.buf[i] = value(col, d.pos)
	}
	return d.buf
}

func (d *columnarDecoder) release() {
	if d.rec != nil {
		d.rec.Release()
		d.rec = nil
	}
	d.rows = nil
	d.pos = -1
}

// recordRows copies a record into row-major values.
func recordRows(rec arrow.Record) [][]any {
	rows := make([][]any, rec.NumRows())
	cols := rec.Columns()
	for r := range rows {
		row := make([]any, len(cols))
		for i, col := range cols {
			row[i] = value(col, r)
		}
		rows[r] = row
	}
	return rows
}

// value returns the Go value of arr at i, nil for nulls.
func value(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	default:
		return arr.GetOneForMarshal(i)
	}
}
