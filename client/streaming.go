package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/auth"
	rflight "github.com/hugr-lab/resultflight/flight"
	"github.com/hugr-lab/resultflight/internal/serialize"
)

// streamingClient submits the query through DoAction and redeems the
// tickets reported by query_status with DoGet, one ticket at a time in the
// order the host published them.
type streamingClient struct {
	flight  flight.Client
	session Session
	query   string

	// ctx scopes every DoGet stream; canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	submitted bool
	closed    bool
	finished  bool
	done      bool // server reported a terminal state
	err       error
	queryID   string
	state     rflight.QueryState
	failure   string
	next      int
	tickets   [][]byte
	reader    *flight.Reader
	columns   []Column
	current   Batch
	stats     Stats
	warnings  []Warning
	setProps  map[string]string
	clearProp []string
}

func newStreamingClient(fc flight.Client, session Session, query string) *streamingClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamingClient{
		flight:   fc,
		session:  session.withDefaults(),
		query:    query,
		ctx:      ctx,
		cancel:   cancel,
		setProps: make(map[string]string),
	}
}

// outgoing attaches the session identity to ctx.
func (c *streamingClient) outgoing(ctx context.Context) context.Context {
	kv := make([]string, 0, 8)
	if c.session.AccessToken != "" {
		kv = append(kv, rflight.HeaderAuthorization, auth.AuthorizationHeader(c.session.AccessToken))
	}
	if c.session.User != "" {
		kv = append(kv, rflight.HeaderUser, c.session.User)
	}
	if c.session.Source != "" {
		kv = append(kv, rflight.HeaderSource, c.session.Source)
	}
	if c.session.TraceID != "" {
		kv = append(kv, rflight.HeaderTraceID, c.session.TraceID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// action runs one DoAction call and decodes its single result into resp.
func (c *streamingClient) action(ctx context.Context, typ string, req, resp any) error {
	body, err := serialize.Marshal(req)
	if err != nil {
		return err
	}
	stream, err := c.flight.DoAction(c.outgoing(ctx), &flight.Action{Type: typ, Body: body})
	if err != nil {
		return c.mapError(ctx, err)
	}
	result, err := stream.Recv()
	if err != nil {
		return c.mapError(ctx, err)
	}
	// Drain so the stream completes cleanly.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	return serialize.Unmarshal(result.Body, resp)
}

// mapError turns a gRPC failure into a client error: transport failures
// become ConnectionError, host errors their domain sentinel.
func (c *streamingClient) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return &ConnectionError{Addr: "flight", Err: err}
	}
	switch st.Code() {
	case codes.Unavailable:
		return &ConnectionError{Addr: "flight", Err: err}
	case codes.Canceled:
		return ErrQueryCanceled
	}
	return rflight.FromStatus(err)
}

func (c *streamingClient) Submit(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.submitted:
		c.mu.Unlock()
		return ErrAlreadySubmitted
	}
	c.submitted = true
	c.mu.Unlock()

	var resp rflight.SubmitResponse
	err := c.action(ctx, rflight.ActionSubmitQuery, rflight.SubmitRequest{
		Query:      c.query,
		User:       c.session.User,
		Source:     c.session.Source,
		Catalog:    c.session.Catalog,
		Schema:     c.session.Schema,
		Properties: c.session.Properties,
	}, &resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	c.queryID = resp.QueryID
	c.state = resp.State
	c.stats.QueryID = resp.QueryID
	c.stats.State = string(resp.State)
	return nil
}

func (c *streamingClient) Advance(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = Batch{}
	if !c.submitted {
		c.fail(ErrNotSubmitted)
	}

	for !c.closed && c.err == nil {
		if c.reader != nil {
			if c.reader.Next() {
				rec := c.reader.Record()
				if rec.NumRows() == 0 {
					continue
				}
				c.current = Batch{Columns: c.columns, Record: rec}
				return true
			}
			err := c.reader.Err()
			c.reader.Release()
			c.reader = nil
			if err != nil && !errors.Is(err, io.EOF) {
				c.fail(c.mapError(ctx, err))
				return false
			}
			continue
		}

		if len(c.tickets) > 0 {
			t := c.tickets[0]
			c.tickets = c.tickets[1:]
			if err := c.open(t); err != nil {
				c.fail(err)
				return false
			}
			continue
		}

		if c.done {
			c.finish()
			return false
		}

		if err := c.poll(ctx); err != nil {
			c.fail(err)
			return false
		}
	}
	return false
}

// open starts streaming one ticket. Caller holds c.mu.
func (c *streamingClient) open(t []byte) error {
	stream, err := c.flight.DoGet(c.outgoing(c.ctx), &flight.Ticket{Ticket: t})
	if err != nil {
		return c.mapError(c.ctx, err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.session.Allocator))
	if err != nil {
		return c.mapError(c.ctx, err)
	}
	if c.columns == nil {
		c.columns = columnsOf(reader.Schema())
	}
	c.reader = reader
	return nil
}

// poll asks the host for tickets past the ones already seen. Caller holds
// c.mu; the lock is released while waiting on the host.
func (c *streamingClient) poll(ctx context.Context) error {
	req := rflight.StatusRequest{
		QueryID:       c.queryID,
		From:          c.next,
		MaxWaitMillis: c.session.PollInterval.Milliseconds(),
	}

	c.mu.Unlock()
	var st rflight.QueryStatus
	err := c.action(ctx, rflight.ActionQueryStatus, req, &st)
	c.mu.Lock()

	if c.closed || c.err != nil {
		return c.err
	}
	if err != nil {
		return err
	}

	c.tickets = append(c.tickets, st.Tickets...)
	c.next = st.Next()
	c.state = st.State
	c.done = st.State.Done()
	c.failure = st.Error
	c.stats = Stats{
		QueryID:        st.QueryID,
		State:          string(st.State),
		Chunks:         st.Stats.Chunks,
		ProcessedRows:  st.Stats.Rows,
		ProcessedBytes: st.Stats.Bytes,
		ElapsedMillis:  st.Stats.ElapsedMillis,
	}
	if c.done {
		c.stats.ProgressPercentage = 100
	}
	c.warnings = c.warnings[:0]
	for _, w := range st.Warnings {
		c.warnings = append(c.warnings, Warning{Code: w.Code, Message: w.Message})
	}
	for k, v := range st.SetSessionProperties {
		c.setProps[k] = v
	}
	for _, k := range st.ClearSessionProperties {
		delete(c.setProps, k)
	}
	c.clearProp = append(c.clearProp[:0], st.ClearSessionProperties...)
	return nil
}

// finish records the terminal state reported by the host. Caller holds c.mu.
func (c *streamingClient) finish() {
	switch c.state {
	case rflight.QueryFailed:
		c.fail(&QueryError{QueryID: c.queryID, Message: c.failure})
	case rflight.QueryCanceled:
		c.fail(ErrQueryCanceled)
	default:
		c.finished = true
	}
}

// fail records the terminal error. Caller holds c.mu.
func (c *streamingClient) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.finished = true
}

func (c *streamingClient) Current() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *streamingClient) Columns() []Column {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns
}

func (c *streamingClient) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *streamingClient) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.warnings...)
}

func (c *streamingClient) SetSessionProperties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	props := make(map[string]string, len(c.setProps))
	for k, v := range c.setProps {
		props[k] = v
	}
	return props
}

func (c *streamingClient) ClearSessionProperties() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.clearProp...)
}

func (c *streamingClient) Session() Session {
	return c.session
}

func (c *streamingClient) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *streamingClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cancel asks the host to cancel the query; its undelivered tickets are
// evicted there.
func (c *streamingClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	id := c.queryID
	running := c.submitted && !c.finished && id != ""
	if running {
		c.tickets = nil
		c.fail(ErrQueryCanceled)
	}
	c.mu.Unlock()

	if !running {
		return nil
	}
	var st rflight.QueryStatus
	return c.action(ctx, rflight.ActionCancelQuery, rflight.CancelRequest{QueryID: id}, &st)
}

func (c *streamingClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	running := c.submitted && !c.finished
	c.mu.Unlock()

	var err error
	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.Cancel(ctx)
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	c.current = Batch{}
	if c.reader != nil {
		c.reader.Release()
		c.reader = nil
	}
	c.mu.Unlock()
	c.cancel()
	return err
}

func columnsOf(schema *arrow.Schema) []Column {
	cols := make([]Column, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = Column{Name: f.Name, Type: f.Type.String()}
	}
	return cols
}

var _ StatementClient = (*streamingClient)(nil)
