// Package arena owns the Arrow memory that buffered result batches live in.
//
// The Flight host creates exactly one Arena. The result store never holds
// records directly: it acquires a Handle for each registered payload and
// hands the handle back on delivery, eviction or expiry. Closing the arena
// force-releases any handle that was never returned.
package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrExhausted is returned by Acquire when the payload does not fit into
	// the remaining arena capacity.
	ErrExhausted = errors.New("arena capacity exhausted")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("arena closed")
)

// Handle refers to one leased payload. The zero Handle is never issued.
type Handle uint64

type lease struct {
	records []arrow.Record
	size    int64
}

// Arena tracks leased record payloads against a byte limit.
type Arena struct {
	alloc memory.Allocator
	limit int64

	mu     sync.Mutex
	next   Handle
	used   int64
	leases map[Handle]*lease
	closed bool
}

// New creates an arena over alloc. A limit <= 0 means unbounded.
func New(alloc memory.Allocator, limit int64) *Arena {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Arena{
		alloc:  alloc,
		limit:  limit,
		leases: make(map[Handle]*lease),
	}
}

// Allocator returns the allocator result batches should be built with.
func (a *Arena) Allocator() memory.Allocator {
	return a.alloc
}

// Acquire retains records and charges their size against the arena.
// On success the arena holds one reference to every record until the
// handle is released.
func (a *Arena) Acquire(records []arrow.Record) (Handle, error) {
	var size int64
	for _, rec := range records {
		size += RecordSize(rec)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	if a.limit > 0 && a.used+size > a.limit {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrExhausted, size, a.used, a.limit)
	}

	held := make([]arrow.Record, len(records))
	for i, rec := range records {
		rec.Retain()
		held[i] = rec
	}

	a.next++
	h := a.next
	a.leases[h] = &lease{records: held, size: size}
	a.used += size
	return h, nil
}

// Records returns the records behind h. The records stay owned by the
// arena; callers that keep them past Release must Retain them.
func (a *Arena) Records(h Handle) ([]arrow.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leases[h]
	if !ok {
		return nil, false
	}
	return l.records, true
}

// Size returns the number of bytes charged for h.
func (a *Arena) Size(h Handle) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.leases[h]; ok {
		return l.size
	}
	return 0
}

// Release drops the arena's references for h and returns its capacity.
// Releasing an unknown or already released handle is a no-op and reports false.
func (a *Arena) Release(h Handle) bool {
	a.mu.Lock()
	l, ok := a.leases[h]
	if ok {
		delete(a.leases, h)
		a.used -= l.size
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	for _, rec := range l.records {
		rec.Release()
	}
	return true
}

// Used returns the number of bytes currently leased.
func (a *Arena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available returns the number of bytes that can still be leased, or -1 if
// the arena is unbounded.
func (a *Arena) Available() int64 {
	if a.limit <= 0 {
		return -1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return max(a.limit-a.used, 0)
}

// Live returns the number of outstanding handles.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

// Close force-releases every outstanding handle and rejects further
// acquisitions. It returns the number of handles that were still live.
// Calling Close more than once is safe.
func (a *Arena) Close() int {
	a.mu.Lock()
	leaked := a.leases
	a.leases = make(map[Handle]*lease)
	a.used = 0
	a.closed = true
	a.mu.Unlock()

	for _, l := range leaked {
		for _, rec := range l.records {
			rec.Release()
		}
	}
	return len(leaked)
}

// RecordSize returns the number of bytes held by the buffers of rec,
// including child arrays and dictionaries.
func RecordSize(rec arrow.Record) int64 {
	if rec == nil {
		return 0
	}
	var size int64
	for _, col := range rec.Columns() {
		size += dataSize(col.Data())
	}
	return size
}

func dataSize(data arrow.ArrayData) int64 {
	if data == nil {
		return 0
	}
	var size int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			size += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		size += dataSize(child)
	}
	if data.DataType().ID() == arrow.DICTIONARY {
		size += dataSize(data.Dictionary())
	}
	return size
}
