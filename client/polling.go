package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hugr-lab/resultflight/auth"
)

// Polling protocol headers.
const (
	HeaderPrestoUser         = "X-Presto-User"
	HeaderPrestoSource       = "X-Presto-Source"
	HeaderPrestoCatalog      = "X-Presto-Catalog"
	HeaderPrestoSchema       = "X-Presto-Schema"
	HeaderPrestoSession      = "X-Presto-Session"
	HeaderPrestoTraceToken   = "X-Presto-Trace-Token"
	HeaderPrestoSetSession   = "X-Presto-Set-Session"
	HeaderPrestoClearSession = "X-Presto-Clear-Session"
)

const statementPath = "/v1/statement"

const userAgent = "resultflight-client"

type queryResults struct {
	ID      string         `json:"id"`
	InfoURI string         `json:"infoUri,omitempty"`
	NextURI string         `json:"nextUri,omitempty"`
	Columns []resultColumn `json:"columns,omitempty"`
	Data    [][]any        `json:"data,omitempty"`
	Stats   resultStats    `json:"stats"`
	Error   *resultError   `json:"error,omitempty"`

	Warnings []resultWarning `json:"warnings,omitempty"`
}

type resultColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type resultStats struct {
	State              string  `json:"state"`
	ProcessedRows      int64   `json:"processedRows"`
	ProcessedBytes     int64   `json:"processedBytes"`
	ElapsedTimeMillis  int64   `json:"elapsedTimeMillis"`
	ProgressPercentage float64 `json:"progressPercentage,omitempty"`
}

type resultError struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode"`
	ErrorName string `json:"errorName"`
	ErrorType string `json:"errorType"`
}

type resultWarning struct {
	WarningCode struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"warningCode"`
	Message string `json:"message"`
}

// pollingClient speaks the row-oriented polling protocol: POST the query,
// then follow nextUri until the server stops returning one.
type pollingClient struct {
	http    *http.Client
	session Session
	query   string

	mu        sync.Mutex
	submitted bool
	closed    bool
	finished  bool
	err       error
	queryID   string
	nextURI   string
	pending   *queryResults
	columns   []Column
	current   Batch
	stats     Stats
	warnings  []Warning
	setProps  map[string]string
	clearProp []string
}

func newPollingClient(httpClient *http.Client, session Session, query string) *pollingClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &pollingClient{
		http:     httpClient,
		session:  session.withDefaults(),
		query:    query,
		setProps: make(map[string]string),
	}
}

func (c *pollingClient) Submit(ctx context.Context) error {
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

	target := strings.TrimSuffix(c.session.Server, "/") + statementPath
	r, err := c.fetch(ctx, http.MethodPost, target, []byte(c.query))
	if err != nil {
		c.mu.Lock()
		c.fail(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.pending = r
	c.nextURI = r.NextURI
	c.queryID = r.ID
	c.stats.QueryID = r.ID
	c.stats.State = r.Stats.State
	c.mu.Unlock()
	return nil
}

func (c *pollingClient) Advance(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = Batch{}
	if !c.submitted {
		c.fail(ErrNotSubmitted)
	}
	if c.closed || c.err != nil {
		return false
	}

	for {
		if r := c.pending; r != nil {
			c.pending = nil
			c.apply(r)
			if r.Error != nil {
				c.fail(&QueryError{
					QueryID: r.ID,
					Code:    r.Error.ErrorCode,
					Name:    r.Error.ErrorName,
					Type:    r.Error.ErrorType,
					Message: r.Error.Message,
				})
				return false
			}
			if len(r.Data) > 0 {
				c.current = Batch{Columns: c.columns, Rows: convertRows(c.columns, r.Data)}
				return true
			}
		}
		if c.nextURI == "" {
			c.finished = true
			return false
		}

		next := c.nextURI
		c.mu.Unlock()
		r, err := c.fetch(ctx, http.MethodGet, next, nil)
		c.mu.Lock()
		if c.closed || c.err != nil {
			return false
		}
		if err != nil {
			c.fail(err)
			return false
		}
		c.pending = r
	}
}

// apply records the metadata of a page. Caller holds c.mu.
func (c *pollingClient) apply(r *queryResults) {
	c.nextURI = r.NextURI
	if r.ID != "" {
		c.queryID = r.ID
	}
	if c.columns == nil && len(r.Columns) > 0 {
		c.columns = make([]Column, len(r.Columns))
		for i, col := range r.Columns {
			c.columns[i] = Column{Name: col.Name, Type: col.Type}
		}
	}
	c.stats = Stats{
		QueryID:            c.queryID,
		State:              r.Stats.State,
		Chunks:             c.stats.Chunks + 1,
		ProcessedRows:      r.Stats.ProcessedRows,
		ProcessedBytes:     r.Stats.ProcessedBytes,
		ElapsedMillis:      r.Stats.ElapsedTimeMillis,
		ProgressPercentage: r.Stats.ProgressPercentage,
	}
	for _, w := range r.Warnings {
		c.warnings = append(c.warnings, Warning{Code: w.WarningCode.Name, Message: w.Message})
	}
}

// fail records the terminal error. Caller holds c.mu.
func (c *pollingClient) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.finished = true
}

// fetch performs one protocol request, retrying gateway errors.
func (c *pollingClient) fetch(ctx context.Context, method, target string, body []byte) (*queryResults, error) {
	var lastErr error
	for attempt := 0; attempt <= c.session.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.session.RetryDelay):
			}
		}

		resp, err := c.send(ctx, method, target, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &ConnectionError{Addr: target, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			r, err := c.decode(resp)
			if err != nil {
				return nil, &ConnectionError{Addr: target, Err: err}
			}
			return r, nil
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			drain(resp)
			lastErr = fmt.Errorf("server returned %s", resp.Status)
			continue
		default:
			msg := readMessage(resp)
			return nil, &ConnectionError{Addr: target, Err: fmt.Errorf("server returned %s: %s", resp.Status, msg)}
		}
	}
	return nil, &ConnectionError{Addr: target, Err: fmt.Errorf("giving up after %d retries: %w", c.session.MaxRetries, lastErr)}
}

func (c *pollingClient) send(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	setHeader(req.Header, HeaderPrestoUser, c.session.User)
	setHeader(req.Header, HeaderPrestoSource, c.session.Source)
	setHeader(req.Header, HeaderPrestoCatalog, c.session.Catalog)
	setHeader(req.Header, HeaderPrestoSchema, c.session.Schema)
	setHeader(req.Header, HeaderPrestoTraceToken, c.session.TraceID)
	for k, v := range c.session.Properties {
		req.Header.Add(HeaderPrestoSession, k+"="+url.QueryEscape(v))
	}
	if c.session.AccessToken != "" {
		req.Header.Set("Authorization", auth.AuthorizationHeader(c.session.AccessToken))
	}

	return c.http.Do(req)
}

func (c *pollingClient) decode(resp *http.Response) (*queryResults, error) {
	defer resp.Body.Close()

	c.mu.Lock()
	for _, h := range resp.Header.Values(HeaderPrestoSetSession) {
		name, value, ok := strings.Cut(h, "=")
		if !ok {
			continue
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		c.setProps[strings.TrimSpace(name)] = value
	}
	for _, h := range resp.Header.Values(HeaderPrestoClearSession) {
		name := strings.TrimSpace(h)
		delete(c.setProps, name)
		c.clearProp = append(c.clearProp, name)
	}
	c.mu.Unlock()

	var r queryResults
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode query results: %w", err)
	}
	return &r, nil
}

func (c *pollingClient) Current() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *pollingClient) Columns() []Column {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.columns
}

func (c *pollingClient) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *pollingClient) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.warnings...)
}

func (c *pollingClient) SetSessionProperties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	props := make(map[string]string, len(c.setProps))
	for k, v := range c.setProps {
		props[k] = v
	}
	return props
}

func (c *pollingClient) ClearSessionProperties() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.clearProp...)
}

func (c *pollingClient) Session() Session {
	return c.session
}

func (c *pollingClient) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *pollingClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cancel deletes the query's next page, which aborts it on the server.
func (c *pollingClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	next := c.nextURI
	done := c.finished
	if !done {
		c.nextURI = ""
		c.pending = nil
		c.fail(ErrQueryCanceled)
	}
	c.mu.Unlock()

	if done || next == "" {
		return nil
	}
	resp, err := c.send(ctx, http.MethodDelete, next, nil)
	if err != nil {
		return &ConnectionError{Addr: next, Err: err}
	}
	drain(resp)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &ConnectionError{Addr: next, Err: fmt.Errorf("cancel returned %s", resp.Status)}
	}
	return nil
}

func (c *pollingClient) Close() error {
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
	c.mu.Unlock()
	return err
}

func setHeader(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func readMessage(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return strings.TrimSpace(string(b))
}

// convertRows turns JSON numbers into Go values matching the column types.
func convertRows(columns []Column, data [][]any) [][]any {
	for _, row := range data {
		for i, v := range row {
			n, ok := v.(json.Number)
			if !ok {
				continue
			}
			typ := ""
			if i < len(columns) {
				typ = columns[i].Type
			}
			row[i] = convertNumber(typ, n)
		}
	}
	return data
}

func convertNumber(typ string, n json.Number) any {
	switch typ {
	case "tinyint", "smallint", "integer", "bigint":
		if v, err := n.Int64(); err == nil {
			return v
		}
	case "real", "double":
		if v, err := n.Float64(); err == nil {
			return v
		}
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	if v, err := n.Float64(); err == nil {
		return v
	}
	return n.String()
}

var _ StatementClient = (*pollingClient)(nil)
