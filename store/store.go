// Package store buffers columnar result chunks under Flight tickets and
// serves each chunk to exactly one consumer.
//
// Every registered chunk is an entry with its own state machine:
//
//	Registered -> Streaming -> Delivered
//	Registered -> Evicted
//	Registered -> Expired
//
// Transitions are compare-and-swap operations on the entry, so unrelated
// tickets never contend on a shared lock and at most one Stream call can win
// a given ticket. Payload memory is leased from an arena.Arena and returned
// on delivery, eviction or expiry.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/hugr-lab/resultflight/internal/arena"
	"github.com/hugr-lab/resultflight/ticket"
)

var (
	// ErrNotFound is returned when no servable entry exists for a ticket.
	ErrNotFound = errors.New("ticket not found")
	// ErrDuplicateTicket is returned when a ticket is registered twice.
	ErrDuplicateTicket = errors.New("ticket already registered")
	// ErrAlreadyConsumed is returned when a ticket has already been streamed.
	ErrAlreadyConsumed = errors.New("ticket already consumed")
	// ErrExpired is returned when a ticket was not streamed within the idle window.
	ErrExpired = errors.New("ticket expired")
	// ErrForeignGuard is returned when a ticket's guard was not minted by this store.
	ErrForeignGuard = errors.New("ticket guard belongs to another store instance")
	// ErrArenaExhausted is returned when the arena cannot hold a payload.
	ErrArenaExhausted = errors.New("result arena exhausted")
	// ErrSchemaMismatch is returned when a record does not match the payload schema.
	ErrSchemaMismatch = errors.New("record schema does not match payload schema")
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("store closed")
)

const (
	// DefaultIdleTimeout bounds how long a registered chunk waits for its consumer.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultTombstoneTTL bounds how long consumed and expired tickets are remembered.
	DefaultTombstoneTTL = time.Hour
)

// State is the delivery state of one entry.
type State int32

const (
	StateRegistered State = iota
	StateStreaming
	StateDelivered
	StateEvicted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateStreaming:
		return "streaming"
	case StateDelivered:
		return "delivered"
	case StateEvicted:
		return "evicted"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Store.
type Options struct {
	// IdleTimeout is how long a chunk may stay registered without being
	// streamed. OPTIONAL: defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// SweepInterval is the period of the background expiry sweep.
	// OPTIONAL: defaults to IdleTimeout/4. Negative disables the sweeper;
	// expiry is then only detected lazily by Stream.
	SweepInterval time.Duration

	// TombstoneTTL is how long delivered and expired tickets are remembered
	// so that Stream can report ErrAlreadyConsumed or ErrExpired instead of
	// ErrNotFound. OPTIONAL: defaults to DefaultTombstoneTTL.
	TombstoneTTL time.Duration

	// Logger for internal logging. OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger

	// Metrics receives store counters. OPTIONAL: unregistered collectors
	// are created if nil.
	Metrics *Metrics

	// Clock returns the current time. OPTIONAL: defaults to time.Now.
	Clock func() time.Time
}

// Description is the metadata returned by Describe.
type Description struct {
	Ticket        ticket.Ticket
	Schema        *arrow.Schema
	Batches       int
	Rows          int64
	EstimatedSize int64
	State         State
	// Owner is the identity the chunk was registered for; empty if none.
	Owner string
}

type entry struct {
	ticket       ticket.Ticket
	owner        string
	schema       *arrow.Schema
	handle       arena.Handle
	size         int64
	rows         int64
	batches      int
	registeredAt time.Time

	state      atomic.Int32
	finishedAt atomic.Int64
}

func (e *entry) load() State {
	return State(e.state.Load())
}

func (e *entry) transition(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// Store holds registered result chunks keyed by the canonical ticket form.
type Store struct {
	id      string
	arena   *arena.Arena
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	idleTimeout  time.Duration
	tombstoneTTL time.Duration

	entries sync.Map // ticket key -> *entry

	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a store leasing payload memory from a.
// If the sweep is enabled a background goroutine runs until Close.
func New(a *arena.Arena, opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = opts.IdleTimeout / 4
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Store{
		id:           uuid.NewString(),
		arena:        a,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Clock,
		idleTimeout:  opts.IdleTimeout,
		tombstoneTTL: opts.TombstoneTTL,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go s.sweeper(opts.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// ID returns the unique identifier of this store instance.
func (s *Store) ID() string {
	return s.id
}

// NewGuard mints a fresh instance guard for one result stream.
func (s *Store) NewGuard() string {
	return s.id + "." + uuid.NewString()
}

// Owns reports whether guard was minted by this store instance.
func (s *Store) Owns(guard string) bool {
	return strings.HasPrefix(guard, s.id+".")
}

// Register makes records available under t. The store retains the records;
// the caller keeps its own references and may release them right away.
func (s *Store) Register(t ticket.Ticket, schema *arrow.Schema, records ...arrow.Record) error {
	return s.RegisterOwned("", t, schema, records...)
}

// RegisterOwned is Register for a chunk produced on behalf of owner. The
// owner scopes List; it does not restrict Stream, which only needs the ticket.
func (s *Store) RegisterOwned(owner string, t ticket.Ticket, schema *arrow.Schema, records ...arrow.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if schema == nil {
		return fmt.Errorf("register %s: schema is required", t)
	}
	if !s.Owns(t.Guard) {
		s.metrics.Rejected.WithLabelValues("foreign_guard").Inc()
		return fmt.Errorf("register %s: %w", t, ErrForeignGuard)
	}

	var rows int64
	for i, rec := range records {
		if !rec.Schema().Equal(schema) {
			s.metrics.Rejected.WithLabelValues("schema_mismatch").Inc()
			return fmt.Errorf("register %s: batch %d: %w", t, i, ErrSchemaMismatch)
		}
		rows += rec.NumRows()
	}

	key := t.Key()
	if _, exists := s.entries.Load(key); exists {
		s.metrics.Rejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("register %s: %w", t, ErrDuplicateTicket)
	}

	h, err := s.arena.Acquire(records)
	if err != nil {
		if errors.Is(err, arena.ErrExhausted) {
			s.metrics.Rejected.WithLabelValues("arena_exhausted").Inc()
			return fmt.Errorf("register %s: %w: %v", t, ErrArenaExhausted, err)
		}
		return fmt.Errorf("register %s: %w", t, err)
	}

	e := &entry{
		ticket:       t,
		owner:        owner,
		schema:       schema,
		handle:       h,
		size:         s.arena.Size(h),
		rows:         rows,
		batches:      len(records),
		registeredAt: s.now(),
	}
	if _, loaded := s.entries.LoadOrStore(key, e); loaded {
		s.arena.Release(h)
		s.metrics.Rejected.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("register %s: %w", t, ErrDuplicateTicket)
	}

	s.metrics.Registered.Inc()
	s.metrics.held(e.size)

	s.logger.Debug("Result chunk registered",
		"ticket", t.String(),
		"batches", e.batches,
		"rows", e.rows,
		"bytes", e.size,
	)
	return nil
}

// Describe returns metadata for a servable ticket without affecting its
// delivery state.
func (s *Store) Describe(t ticket.Ticket) (Description, error) {
	e, ok := s.lookup(t)
	if !ok {
		return Description{}, fmt.Errorf("describe %s: %w", t, ErrNotFound)
	}

	state := e.load()
	if state != StateRegistered && state != StateStreaming {
		return Description{}, fmt.Errorf("describe %s: %w", t, ErrNotFound)
	}
	if state == StateRegistered && s.idle(e) {
		s.expire(e)
		return Description{}, fmt.Errorf("describe %s: %w", t, ErrNotFound)
	}

	return Description{
		Ticket:        e.ticket,
		Schema:        e.schema,
		Batches:       e.batches,
		Rows:          e.rows,
		EstimatedSize: e.size,
		State:         state,
		Owner:         e.owner,
	}, nil
}

// List describes every registered chunk whose path starts with prefix, in
// path and ordinal order. Chunks already claimed by a consumer are omitted.
func (s *Store) List(prefix []string) []Description {
	var out []Description
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.load() != StateRegistered || s.idle(e) {
			return true
		}
		if len(e.ticket.Path) < len(prefix) || !slices.Equal(e.ticket.Path[:len(prefix)], prefix) {
			return true
		}
		out = append(out, Description{
			Ticket:        e.ticket,
			Schema:        e.schema,
			Batches:       e.batches,
			Rows:          e.rows,
			EstimatedSize: e.size,
			State:         StateRegistered,
			Owner:         e.owner,
		})
		return true
	})
	slices.SortFunc(out, func(a, b Description) int {
		if c := slices.Compare(a.Ticket.Path, b.Ticket.Path); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Ticket.Ordinal, b.Ticket.Ordinal); c != 0 {
			return c
		}
		return strings.Compare(a.Ticket.Guard, b.Ticket.Guard)
	})
	return out
}

// Stream claims the ticket and returns its batches in registration order.
// Only one Stream call per ticket can succeed; the caller must Release the
// returned Delivery.
func (s *Store) Stream(t ticket.Ticket) (*Delivery, error) {
	e, ok := s.lookup(t)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", t, ErrNotFound)
	}

	if e.load() == StateRegistered && s.idle(e) {
		s.expire(e)
	}

	if !e.transition(StateRegistered, StateStreaming) {
		switch e.load() {
		case StateStreaming, StateDelivered:
			return nil, fmt.Errorf("stream %s: %w", t, ErrAlreadyConsumed)
		case StateExpired:
			return nil, fmt.Errorf("stream %s: %w", t, ErrExpired)
		default:
			return nil, fmt.Errorf("stream %s: %w", t, ErrNotFound)
		}
	}

	records, ok := s.arena.Records(e.handle)
	if !ok {
		// The arena was closed underneath us.
		s.finish(e, StateDelivered)
		return nil, fmt.Errorf("stream %s: %w", t, ErrNotFound)
	}

	s.logger.Debug("Result chunk streaming",
		"ticket", t.String(),
		"batches", e.batches,
		"rows", e.rows,
	)
	return &Delivery{store: s, entry: e, records: records}, nil
}

// Evict releases a registered but undelivered chunk. Evicting an unknown,
// already evicted or in-flight ticket is a no-op.
func (s *Store) Evict(t ticket.Ticket) {
	e, ok := s.lookup(t)
	if !ok {
		return
	}
	if !e.transition(StateRegistered, StateEvicted) {
		return
	}
	s.entries.CompareAndDelete(t.Key(), e)
	s.arena.Release(e.handle)
	s.metrics.Evicted.Inc()
	s.metrics.freed(e.size)

	s.logger.Debug("Result chunk evicted", "ticket", t.String(), "bytes", e.size)
}

// State returns the current state of t, if the store knows it.
func (s *Store) State(t ticket.Ticket) (State, bool) {
	e, ok := s.lookup(t)
	if !ok {
		return 0, false
	}
	return e.load(), true
}

// Available returns the bytes the arena can still accept, or -1 when it is
// unbounded.
func (s *Store) Available() int64 {
	return s.arena.Available()
}

// Len returns the number of chunks holding arena memory.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, v any) bool {
		switch v.(*entry).load() {
		case StateRegistered, StateStreaming:
			n++
		}
		return true
	})
	return n
}

// Sweep expires idle chunks and forgets old tombstones. It returns the
// number of chunks expired. The background sweeper calls it periodically.
func (s *Store) Sweep() int {
	now := s.now()
	expired := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		switch e.load() {
		case StateRegistered:
			if now.Sub(e.registeredAt) >= s.idleTimeout && s.expire(e) {
				expired++
			}
		case StateDelivered, StateExpired:
			finished := time.Unix(0, e.finishedAt.Load())
			if now.Sub(finished) >= s.tombstoneTTL {
				s.entries.CompareAndDelete(k, e)
			}
		}
		return true
	})

	if expired > 0 {
		s.logger.Info("Expired idle result chunks",
			"expired", expired,
			"idle_timeout", s.idleTimeout,
		)
	}
	return expired
}

// Close stops the sweeper and evicts every undelivered chunk. Chunks that
// are being streamed release their memory when their Delivery is released.
// Register fails with ErrClosed afterwards. Close is idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		<-s.done

		evicted := 0
		s.entries.Range(func(k, v any) bool {
			e := v.(*entry)
			if e.transition(StateRegistered, StateEvicted) {
				s.arena.Release(e.handle)
				s.metrics.Evicted.Inc()
				s.metrics.freed(e.size)
				evicted++
			}
			if e.load() != StateStreaming {
				s.entries.Delete(k)
			}
			return true
		})

		s.logger.Debug("Result store closed", "store_id", s.id, "evicted", evicted)
	})
}

func (s *Store) lookup(t ticket.Ticket) (*entry, bool) {
	v, ok := s.entries.Load(t.Key())
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (s *Store) idle(e *entry) bool {
	return s.now().Sub(e.registeredAt) >= s.idleTimeout
}

func (s *Store) expire(e *entry) bool {
	if !e.transition(StateRegistered, StateExpired) {
		return false
	}
	e.finishedAt.Store(s.now().UnixNano())
	s.arena.Release(e.handle)
	s.metrics.Expired.Inc()
	s.metrics.freed(e.size)

	s.logger.Debug("Result chunk expired", "ticket", e.ticket.String(), "bytes", e.size)
	return true
}

// finish moves a streaming entry to its terminal state and returns its memory.
func (s *Store) finish(e *entry, to State) {
	if !e.transition(StateStreaming, to) {
		return
	}
	e.finishedAt.Store(s.now().UnixNano())
	s.arena.Release(e.handle)
	s.metrics.Delivered.Inc()
	s.metrics.freed(e.size)
	if s.closed.Load() {
		s.entries.CompareAndDelete(e.ticket.Key(), e)
	}
}

func (s *Store) sweeper(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
