// Package client submits queries and retrieves their results.
//
// Two protocols carry results: the row-oriented polling protocol, where the
// client repeatedly fetches pages of JSON rows over HTTP, and the columnar
// streaming protocol, where the client redeems Flight tickets for Arrow
// record batches. NewStatementClient picks one; callers program against the
// StatementClient interface and never branch on the protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
)

var (
	// ErrConnection is wrapped by every transport-level failure.
	ErrConnection = errors.New("connection error")

	// ErrQueryFailed is wrapped by QueryError.
	ErrQueryFailed = errors.New("query failed")

	// ErrNotSubmitted is returned when a client is used before Submit.
	ErrNotSubmitted = errors.New("query not submitted")

	// ErrAlreadySubmitted is returned by a second Submit.
	ErrAlreadySubmitted = errors.New("query already submitted")

	// ErrClientClosed is returned by a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrQueryCanceled is the terminal error of a canceled query.
	ErrQueryCanceled = errors.New("query canceled")
)

// ConnectionError reports a transport failure talking to Addr.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

// Is makes errors.Is(err, ErrConnection) true.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// QueryError is the failure reported by the server for a query.
type QueryError struct {
	QueryID string
	Code    int
	Name    string
	Type    string
	Message string
}

func (e *QueryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("query %s failed: %s: %s", e.QueryID, e.Name, e.Message)
	}
	return fmt.Sprintf("query %s failed: %s", e.QueryID, e.Message)
}

func (e *QueryError) Unwrap() error {
	return ErrQueryFailed
}

// Column describes one result column.
type Column struct {
	Name string
	Type string
}

// Batch is the unit a client advances over. Polling clients fill Rows,
// streaming clients fill Record. Record is owned by the client and stays
// valid until the next Advance or Close; call Retain to keep it longer.
type Batch struct {
	Columns []Column
	Rows    [][]any
	Record  arrow.Record
}

// NumRows returns the number of rows in the batch.
func (b Batch) NumRows() int {
	if b.Record != nil {
		return int(b.Record.NumRows())
	}
	return len(b.Rows)
}

// Stats is a snapshot of query progress.
type Stats struct {
	QueryID            string
	State              string
	Chunks             int
	ProcessedRows      int64
	ProcessedBytes     int64
	ElapsedMillis      int64
	ProgressPercentage float64
}

// Warning is a non-fatal condition reported for a query.
type Warning struct {
	Code    string
	Message string
}

// StatementClient runs one query.
//
// Typical use:
//
//	c := client.NewStatementClient(http.DefaultClient, nil, session, "SELECT 1")
//	defer c.Close()
//	if err := c.Submit(ctx); err != nil {
//	    return err
//	}
//	for c.Advance(ctx) {
//	    batch := c.Current()
//	    ...
//	}
//	if err := c.Err(); err != nil {
//	    return err
//	}
type StatementClient interface {
	// Submit sends the query to the server.
	Submit(ctx context.Context) error

	// Advance moves to the next non-empty batch. It returns false once the
	// query finished or failed; Err tells which.
	Advance(ctx context.Context) bool

	// Current returns the batch Advance moved to.
	Current() Batch

	// Columns returns the result columns, nil while they are not known yet.
	Columns() []Column

	Stats() Stats
	Warnings() []Warning

	// SetSessionProperties returns properties the server asked the client
	// to set; ClearSessionProperties those it asked to drop.
	SetSessionProperties() map[string]string
	ClearSessionProperties() []string

	// Session returns the session the query was submitted with.
	Session() Session

	// Finished reports whether the query reached a terminal state.
	Finished() bool

	// Err returns the terminal error, nil while running or on success.
	Err() error

	// Cancel aborts the query on the server.
	Cancel(ctx context.Context) error

	// Close releases client resources, canceling the query if it is still
	// running.
	Close() error
}

// NewStatementClient returns a client for query. Without a Flight client the
// query runs over the row-oriented polling protocol at session.Server; with
// one, results are streamed as Arrow batches through flightClient. The
// choice is final: a broken Flight channel surfaces as a ConnectionError,
// never as a fallback to polling.
func NewStatementClient(httpClient *http.Client, flightClient flight.Client, session Session, query string) StatementClient {
	if flightClient == nil {
		return newPollingClient(httpClient, session, query)
	}
	return newStreamingClient(flightClient, session, query)
}
