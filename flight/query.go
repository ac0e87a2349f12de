package flight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/hugr-lab/resultflight/internal/recovery"
	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

// DefaultQueryRetention is how long finished queries stay queryable.
const DefaultQueryRetention = 15 * time.Minute

// Executor is the compute layer boundary. Execute runs one query and writes
// its output through w; it must return when ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, req QueryRequest, w *ResultWriter) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req QueryRequest, w *ResultWriter) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req QueryRequest, w *ResultWriter) error {
	return f(ctx, req, w)
}

// QueryRequest is a query handed to the Executor.
type QueryRequest struct {
	QueryID    string
	Query      string
	User       string
	Source     string
	Catalog    string
	Schema     string
	Properties map[string]string
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// NodeID is the first element of every ticket path.
	// OPTIONAL: defaults to the store id.
	NodeID string

	// Retention is how long finished queries are kept.
	// OPTIONAL: defaults to DefaultQueryRetention.
	Retention time.Duration

	// Logger for internal logging. OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger
}

// Registry tracks submitted queries and the tickets their output was
// registered under.
type Registry struct {
	store     *store.Store
	executor  Executor
	allocator memory.Allocator
	logger    *slog.Logger
	nodeID    string
	retention time.Duration

	mu      sync.Mutex
	queries map[string]*query
	closed  bool
	wg      sync.WaitGroup
}

// NewRegistry creates a registry writing query output into st. A nil
// executor makes submit_query fail with ErrNoExecutor.
func NewRegistry(st *store.Store, executor Executor, allocator memory.Allocator, opts RegistryOptions) *Registry {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	if opts.NodeID == "" {
		opts.NodeID = st.ID()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultQueryRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:     st,
		executor:  executor,
		allocator: allocator,
		logger:    opts.Logger,
		nodeID:    opts.NodeID,
		retention: opts.Retention,
		queries:   make(map[string]*query),
	}
}

type query struct {
	id      string
	req     QueryRequest
	cancel  context.CancelFunc
	started time.Time

	mu         sync.Mutex
	state      QueryState
	err        error
	tickets    []ticket.Ticket
	stats      QueryStats
	warnings   []Warning
	setProps   map[string]string
	clearProps []string
	finished   time.Time
	changed    chan struct{}
}

// notify wakes status waiters. q.mu must be held.
func (q *query) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// finish moves q to a terminal state unless it already is in one.
// It returns the tickets to evict. q.mu must be held.
func (q *query) finish(state QueryState, err error) []ticket.Ticket {
	if q.state.Done() {
		return nil
	}
	q.state = state
	q.err = err
	q.finished = time.Now()
	q.stats.ElapsedMillis = q.finished.Sub(q.started).Milliseconds()
	q.notify()
	if state == QueryFinished {
		return nil
	}
	return append([]ticket.Ticket(nil), q.tickets...)
}

func (q *query) snapshot(from int) QueryStatus {
	if from < 0 {
		from = 0
	}
	if from > len(q.tickets) {
		from = len(q.tickets)
	}

	st := QueryStatus{
		QueryID:  q.id,
		State:    q.state,
		From:     from,
		Stats:    q.stats,
		Warnings: append([]Warning(nil), q.warnings...),
	}
	if !q.state.Done() {
		st.Stats.ElapsedMillis = time.Since(q.started).Milliseconds()
	}
	if q.err != nil {
		st.Error = q.err.Error()
	}
	for _, t := range q.tickets[from:] {
		st.Tickets = append(st.Tickets, t.Bytes())
	}
	if len(q.setProps) > 0 {
		st.SetSessionProperties = make(map[string]string, len(q.setProps))
		for k, v := range q.setProps {
			st.SetSessionProperties[k] = v
		}
	}
	st.ClearSessionProperties = append(st.ClearSessionProperties, q.clearProps...)
	return st
}

// Submit registers a query and starts executing it in the background.
func (r *Registry) Submit(req QueryRequest) (string, error) {
	if r.executor == nil {
		return "", ErrNoExecutor
	}

	r.purge()

	ctx, cancel := context.WithCancel(context.Background())
	q := &query{
		id:      uuid.NewString(),
		cancel:  cancel,
		started: time.Now(),
		state:   QueryQueued,
		changed: make(chan struct{}),
	}
	req.QueryID = q.id
	q.req = req

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrRegistryClosed
	}
	r.queries[q.id] = q
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Query submitted", "query_id", q.id, "user", req.User, "source", req.Source)

	go r.run(ctx, q)
	return q.id, nil
}

func (r *Registry) run(ctx context.Context, q *query) {
	defer r.wg.Done()
	defer q.cancel()

	q.mu.Lock()
	if q.state == QueryQueued {
		q.state = QueryRunning
		q.notify()
	}
	q.mu.Unlock()

	w := &ResultWriter{registry: r, query: q, ctx: ctx}
	err := recovery.RecoverToError(r.logger, "Execute", func() error {
		return r.executor.Execute(ctx, q.req, w)
	})

	q.mu.Lock()
	var evict []ticket.Ticket
	switch {
	case err == nil:
		evict = q.finish(QueryFinished, nil)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		evict = q.finish(QueryCanceled, ErrQueryCanceled)
	default:
		evict = q.finish(QueryFailed, err)
	}
	state, stats := q.state, q.stats
	q.mu.Unlock()

	r.evict(evict)

	if err != nil && state == QueryFailed {
		r.logger.Error("Query failed", "query_id", q.id, "error", err)
		return
	}
	r.logger.Info("Query completed",
		"query_id", q.id,
		"state", state,
		"chunks", stats.Chunks,
		"rows", stats.Rows,
		"elapsed_ms", stats.ElapsedMillis,
	)
}

// Status returns the status of a query with the tickets from index from on.
// If none are available yet it waits up to maxWait for progress.
func (r *Registry) Status(ctx context.Context, id string, from int, maxWait time.Duration) (QueryStatus, error) {
	r.purge()

	q, ok := r.lookup(id)
	if !ok {
		return QueryStatus{}, fmt.Errorf("status %s: %w", id, ErrQueryNotFound)
	}

	var timer <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		timer = t.C
	}

	for {
		q.mu.Lock()
		if from < len(q.tickets) || q.state.Done() || timer == nil {
			st := q.snapshot(from)
			q.mu.Unlock()
			return st, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer:
			timer = nil
		case <-ctx.Done():
			return QueryStatus{}, ctx.Err()
		}
	}
}

// Cancel stops a query and evicts every ticket it registered that has not
// been streamed yet. Canceling a finished query only evicts its tickets.
func (r *Registry) Cancel(id string) (QueryStatus, error) {
	q, ok := r.lookup(id)
	if !ok {
		return QueryStatus{}, fmt.Errorf("cancel %s: %w", id, ErrQueryNotFound)
	}

	q.cancel()
	q.mu.Lock()
	evict := q.finish(QueryCanceled, ErrQueryCanceled)
	if evict == nil {
		evict = append(evict, q.tickets...)
	}
	st := q.snapshot(len(q.tickets))
	q.mu.Unlock()

	r.evict(evict)
	r.logger.Info("Query canceled", "query_id", id, "evicted", len(evict))
	return st, nil
}

// Len returns the number of tracked queries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

// Close cancels running queries, waits for their executors to return and
// evicts all tickets still held for them.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queries := make([]*query, 0, len(r.queries))
	for _, q := range r.queries {
		queries = append(queries, q)
	}
	r.mu.Unlock()

	for _, q := range queries {
		q.cancel()
	}
	r.wg.Wait()

	for _, q := range queries {
		q.mu.Lock()
		tickets := append([]ticket.Ticket(nil), q.tickets...)
		q.mu.Unlock()
		r.evict(tickets)
	}
}

func (r *Registry) lookup(id string) (*query, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[id]
	return q, ok
}

// purge forgets finished queries older than the retention window.
func (r *Registry) purge() {
	cutoff := time.Now().Add(-r.retention)

	var expired []*query
	r.mu.Lock()
	for id, q := range r.queries {
		q.mu.Lock()
		old := q.state.Done() && q.finished.Before(cutoff)
		q.mu.Unlock()
		if old {
			delete(r.queries, id)
			expired = append(expired, q)
		}
	}
	r.mu.Unlock()

	for _, q := range expired {
		r.evict(q.tickets)
		r.logger.Debug("Query forgotten", "query_id", q.id)
	}
}

func (r *Registry) evict(tickets []ticket.Ticket) {
	for _, t := range tickets {
		r.store.Evict(t)
	}
}

// ResultWriter is handed to the Executor to publish query output.
type ResultWriter struct {
	registry *Registry
	query    *query
	ctx      context.Context
}

// QueryID returns the id of the query being executed.
func (w *ResultWriter) QueryID() string {
	return w.query.id
}

// Allocator returns the host allocator result batches should be built with.
func (w *ResultWriter) Allocator() memory.Allocator {
	return w.registry.allocator
}

// Stream opens an output stream for one partition of the result. Each
// stream gets its own instance guard and numbers its chunks from zero.
func (w *ResultWriter) Stream(partition string) *StreamWriter {
	return &StreamWriter{
		w:     w,
		path:  []string{w.registry.nodeID, w.query.id, partition},
		guard: w.registry.store.NewGuard(),
	}
}

// Warn records a warning reported to the client.
func (w *ResultWriter) Warn(code, message string) {
	q := w.query
	q.mu.Lock()
	q.warnings = append(q.warnings, Warning{Code: code, Message: message})
	q.notify()
	q.mu.Unlock()
}

// SetSessionProperty asks the client to set a session property.
func (w *ResultWriter) SetSessionProperty(name, value string) {
	q := w.query
	q.mu.Lock()
	if q.setProps == nil {
		q.setProps = make(map[string]string)
	}
	q.setProps[name] = value
	q.mu.Unlock()
}

// ClearSessionProperty asks the client to drop a session property.
func (w *ResultWriter) ClearSessionProperty(name string) {
	q := w.query
	q.mu.Lock()
	q.clearProps = append(q.clearProps, name)
	q.mu.Unlock()
}

// StreamWriter registers the chunks of one result partition.
type StreamWriter struct {
	w     *ResultWriter
	path  []string
	guard string
	next  int64
}

// Write registers records as the next chunk of the stream and publishes its
// ticket to the client. The store keeps its own references; the caller still
// owns records.
func (s *StreamWriter) Write(schema *arrow.Schema, records ...arrow.Record) (ticket.Ticket, error) {
	if err := s.w.ctx.Err(); err != nil {
		return ticket.Ticket{}, ErrQueryCanceled
	}

	t, err := ticket.New(s.path, s.next, s.guard)
	if err != nil {
		return ticket.Ticket{}, err
	}
	st := s.w.registry.store
	if err := st.RegisterOwned(s.w.query.req.User, t, schema, records...); err != nil {
		return ticket.Ticket{}, err
	}

	var rows int64
	for _, rec := range records {
		rows += rec.NumRows()
	}
	desc, _ := st.Describe(t)

	q := s.w.query
	q.mu.Lock()
	if q.state.Done() {
		q.mu.Unlock()
		st.Evict(t)
		return ticket.Ticket{}, ErrQueryCanceled
	}
	q.tickets = append(q.tickets, t)
	q.stats.Chunks++
	q.stats.Batches += int64(len(records))
	q.stats.Rows += rows
	q.stats.Bytes += desc.EstimatedSize
	q.notify()
	q.mu.Unlock()

	s.next++
	return t, nil
}
