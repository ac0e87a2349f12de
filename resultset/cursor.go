package resultset

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hugr-lab/resultflight/client"
)

// decoder turns client batches into rows.
type decoder interface {
	// load takes the next batch; the decoder may keep references to it.
	load(b client.Batch)
	// next moves to the next row of the loaded batch.
	next() bool
	// row returns the current row.
	row() []any
	// release drops the loaded batch.
	release()
}

// cursor drives a StatementClient and hands each batch to its decoder.
// It is the row-oriented ResultSet; columnarResultSet embeds it.
type cursor struct {
	ctx      context.Context
	client   client.StatementClient
	decoder  decoder
	format   Format
	maxRows  int64
	progress ProgressFunc
	warnings *WarningsManager

	mu      sync.Mutex
	emitted int64
	done    bool
	closed  bool
	err     error
}

func (c *cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.done || c.err != nil {
		return false
	}
	if c.maxRows > 0 && c.emitted >= c.maxRows {
		c.decoder.release()
		c.done = true
		return false
	}

	for !c.decoder.next() {
		c.decoder.release()
		more := c.client.Advance(c.ctx)
		c.report()
		if !more {
			if err := c.client.Err(); err != nil {
				c.setErr(err)
			} else {
				c.done = true
			}
			return false
		}
		c.decoder.load(c.client.Current())
	}

	c.emitted++
	return true
}

// report forwards progress and warnings. Caller holds c.mu.
func (c *cursor) report() {
	if c.progress != nil {
		c.progress(c.client.Stats())
	}
	if c.warnings != nil {
		c.warnings.Add(c.client.Warnings()...)
	}
}

// setErr records the terminal error unless one is already set.
func (c *cursor) setErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *cursor) Row() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.emitted == 0 {
		return nil
	}
	return c.decoder.row()
}

func (c *cursor) Columns() []client.Column {
	return c.client.Columns()
}

func (c *cursor) Format() Format {
	return c.format
}

func (c *cursor) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.decoder.release()
	c.mu.Unlock()

	return c.client.Close()
}

// columnarResultSet reads Arrow batches column by column.
type columnarResultSet struct {
	*cursor
}

func (r *columnarResultSet) Record() (arrow.Record, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.decoder.(*columnarDecoder)
	if r.closed || d.rec == nil {
		return nil, -1
	}
	return d.rec, d.pos
}

var (
	_ ResultSet         = (*cursor)(nil)
	_ ColumnarResultSet = (*columnarResultSet)(nil)
)
