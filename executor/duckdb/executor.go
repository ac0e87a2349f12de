// Package duckdb runs queries on DuckDB and publishes their rows as Arrow
// batches through a flight.ResultWriter.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/hugr-lab/resultflight/flight"
)

// DefaultBatchSize is the number of rows per published batch.
const DefaultBatchSize = 1024

// SettingPrefix marks session properties forwarded to DuckDB as SET
// statements, e.g. "duckdb.threads" = "4".
const SettingPrefix = "duckdb."

// Options configures an Executor.
type Options struct {
	// BatchSize is the number of rows per batch.
	// OPTIONAL: defaults to DefaultBatchSize.
	BatchSize int

	// BatchesPerChunk groups batches into one ticket.
	// OPTIONAL: defaults to 1.
	BatchesPerChunk int

	// Logger for internal logging. OPTIONAL: uses slog.Default() if nil.
	Logger *slog.Logger
}

// Executor implements flight.Executor on a DuckDB database.
type Executor struct {
	db        *sql.DB
	owned     bool
	batchSize int
	perChunk  int
	logger    *slog.Logger
}

// Open opens a DuckDB database at dsn, "" for in-memory, and returns an
// executor owning it.
func Open(dsn string, opts Options) (*Executor, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	e := New(db, opts)
	e.owned = true
	return e, nil
}

// New returns an executor running queries on db. The caller keeps
// ownership of db.
func New(db *sql.DB, opts Options) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchesPerChunk <= 0 {
		opts.BatchesPerChunk = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		db:        db,
		batchSize: opts.BatchSize,
		perChunk:  opts.BatchesPerChunk,
		logger:    opts.Logger,
	}
}

// DB returns the underlying database.
func (e *Executor) DB() *sql.DB {
	return e.db
}

// Close closes the database if the executor opened it.
func (e *Executor) Close() error {
	if !e.owned {
		return nil
	}
	return e.db.Close()
}

// Execute runs req.Query on a dedicated connection and writes its rows as
// partition "0". A query returning no rows still publishes one empty batch
// so clients learn the result schema.
func (e *Executor) Execute(ctx context.Context, req flight.QueryRequest, w *flight.ResultWriter) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if err := applySession(ctx, conn, req); err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx, req.Query)
	if err != nil {
		return err
	}
	defer rows.Close()

	schema, err := rowsSchema(rows)
	if err != nil {
		return err
	}

	alloc := w.Allocator()
	stream := w.Stream("0")
	var pending []arrow.Record
	release := func() {
		for _, rec := range pending {
			rec.Release()
		}
		pending = pending[:0]
	}
	defer release()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		_, err := stream.Write(schema, pending...)
		release()
		return err
	}

	written := 0
	for {
		rec, err := rowsToRecord(alloc, rows, schema, e.batchSize)
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		pending = append(pending, rec)
		written++
		if len(pending) >= e.perChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if written == 0 {
		b := array.NewRecordBuilder(alloc, schema)
		pending = append(pending, b.NewRecord())
		b.Release()
	}
	if err := flush(); err != nil {
		return err
	}

	e.logger.Debug("DuckDB query executed", "query_id", req.QueryID, "batches", written)
	return nil
}

// applySession switches catalog and schema and applies DuckDB settings
// carried as session properties.
func applySession(ctx context.Context, conn *sql.Conn, req flight.QueryRequest) error {
	var target string
	switch {
	case req.Catalog != "" && req.Schema != "":
		target = quoteIdent(req.Catalog) + "." + quoteIdent(req.Schema)
	case req.Catalog != "":
		target = quoteIdent(req.Catalog)
	case req.Schema != "":
		target = quoteIdent(req.Schema)
	}
	if target != "" {
		if _, err := conn.ExecContext(ctx, "USE "+target); err != nil {
			return fmt.Errorf("use %s: %w", target, err)
		}
	}

	for name, value := range req.Properties {
		setting, ok := strings.CutPrefix(name, SettingPrefix)
		if !ok || setting == "" {
			continue
		}
		if !isSettingName(setting) {
			return fmt.Errorf("invalid setting name %q", setting)
		}
		stmt := fmt.Sprintf("SET %s = %s", setting, quoteLiteral(value))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set %s: %w", setting, err)
		}
	}
	return nil
}

func rowsSchema(rows *sql.Rows) (*arrow.Schema, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(colTypes))
	for i, ct := range colTypes {
		fields[i] = arrow.Field{Name: ct.Name(), Type: duckDBTypeToArrow(ct.DatabaseTypeName()), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// rowsToRecord reads up to batchSize rows into a record. It returns nil
// once rows is exhausted.
func rowsToRecord(alloc memory.Allocator, rows *sql.Rows, schema *arrow.Schema, batchSize int) (arrow.Record, error) {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	numFields := schema.NumFields()
	values := make([]any, numFields)
	valuePtrs := make([]any, numFields)
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	count := 0
	for count < batchSize && rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		for i, val := range values {
			appendValue(builder.Field(i), val)
		}
		count++
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return builder.NewRecord(), nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func isSettingName(s string) bool {
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var _ flight.Executor = (*Executor)(nil)
