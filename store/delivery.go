package store

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hugr-lab/resultflight/ticket"
)

// Delivery iterates the batches of one claimed ticket.
//
// Records returned by Record stay valid until Release. Release marks the
// ticket delivered and returns its memory to the arena, whether or not
// every batch was read.
type Delivery struct {
	store   *Store
	entry   *entry
	records []arrow.Record
	next    int
	cur     arrow.Record
	done    bool
}

// Ticket returns the ticket being delivered.
func (d *Delivery) Ticket() ticket.Ticket {
	return d.entry.ticket
}

// Schema returns the payload schema.
func (d *Delivery) Schema() *arrow.Schema {
	return d.entry.schema
}

// Len returns the number of batches in the payload.
func (d *Delivery) Len() int {
	return len(d.records)
}

// Next advances to the next batch.
func (d *Delivery) Next() bool {
	if d.done || d.next >= len(d.records) {
		d.cur = nil
		return false
	}
	d.cur = d.records[d.next]
	d.next++
	return true
}

// Record returns the current batch.
func (d *Delivery) Record() arrow.Record {
	return d.cur
}

// Release completes the delivery. It is safe to call more than once.
func (d *Delivery) Release() {
	if d.done {
		return
	}
	d.done = true
	d.cur = nil
	d.records = nil
	d.store.finish(d.entry, StateDelivered)
}
