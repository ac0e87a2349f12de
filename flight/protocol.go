package flight

// DoAction types served by the host.
const (
	// ActionSubmitQuery starts a query on the compute layer.
	ActionSubmitQuery = "submit_query"
	// ActionQueryStatus reports progress and newly available tickets.
	ActionQueryStatus = "query_status"
	// ActionCancelQuery cancels a query and evicts its undelivered tickets.
	ActionCancelQuery = "cancel_query"
	// ActionNewGuard mints an instance guard for a producer uploading with DoPut.
	ActionNewGuard = "new_guard"
)

// QueryState is the lifecycle state of a submitted query.
type QueryState string

const (
	QueryQueued   QueryState = "QUEUED"
	QueryRunning  QueryState = "RUNNING"
	QueryFinished QueryState = "FINISHED"
	QueryFailed   QueryState = "FAILED"
	QueryCanceled QueryState = "CANCELED"
)

// Done reports whether the state is terminal.
func (s QueryState) Done() bool {
	return s == QueryFinished || s == QueryFailed || s == QueryCanceled
}

// SubmitRequest is the body of a submit_query action.
type SubmitRequest struct {
	Query      string            `msgpack:"query"`
	User       string            `msgpack:"user,omitempty"`
	Source     string            `msgpack:"source,omitempty"`
	Catalog    string            `msgpack:"catalog,omitempty"`
	Schema     string            `msgpack:"schema,omitempty"`
	Properties map[string]string `msgpack:"properties,omitempty"`
}

// SubmitResponse is the result of a submit_query action.
type SubmitResponse struct {
	QueryID string     `msgpack:"query_id"`
	State   QueryState `msgpack:"state"`
}

// StatusRequest is the body of a query_status action. Tickets before index
// From are omitted from the response. When no ticket at or after From is
// available and the query is still running, the host waits up to MaxWaitMillis
// for one to appear.
type StatusRequest struct {
	QueryID       string `msgpack:"query_id"`
	From          int    `msgpack:"from"`
	MaxWaitMillis int64  `msgpack:"max_wait_ms,omitempty"`
}

// CancelRequest is the body of a cancel_query action.
type CancelRequest struct {
	QueryID string `msgpack:"query_id"`
}

// Warning is a non-fatal condition reported by the compute layer.
type Warning struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// QueryStats summarizes the output produced so far.
type QueryStats struct {
	Chunks        int   `msgpack:"chunks"`
	Batches       int64 `msgpack:"batches"`
	Rows          int64 `msgpack:"rows"`
	Bytes         int64 `msgpack:"bytes"`
	ElapsedMillis int64 `msgpack:"elapsed_ms"`
}

// QueryStatus is the result of query_status and cancel_query actions.
type QueryStatus struct {
	QueryID                string            `msgpack:"query_id"`
	State                  QueryState        `msgpack:"state"`
	Error                  string            `msgpack:"error,omitempty"`
	From                   int               `msgpack:"from"`
	Tickets                [][]byte          `msgpack:"tickets,omitempty"`
	Stats                  QueryStats        `msgpack:"stats"`
	Warnings               []Warning         `msgpack:"warnings,omitempty"`
	SetSessionProperties   map[string]string `msgpack:"set_session,omitempty"`
	ClearSessionProperties []string          `msgpack:"clear_session,omitempty"`
}

// GuardResponse is the result of a new_guard action.
type GuardResponse struct {
	Guard string `msgpack:"guard"`
}

// PutResponse is the AppMetadata of the PutResult sent by DoPut.
type PutResponse struct {
	Batches int   `msgpack:"batches"`
	Rows    int64 `msgpack:"rows"`
	Bytes   int64 `msgpack:"bytes"`
}

// ListCriteria is the ListFlights criteria expression. An empty Path lists
// every outstanding chunk.
type ListCriteria struct {
	Path []string `msgpack:"path,omitempty"`
}

// Next returns the ticket index following the tickets carried in s.
func (s QueryStatus) Next() int {
	return s.From + len(s.Tickets)
}
