// Package resultset exposes query results as a row cursor.
//
// The representation the rows are decoded from is chosen by the
// result_format session property: "json" decodes row-major pages, "arrow"
// reads Arrow record batches column by column. Both satisfy ResultSet.
package resultset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hugr-lab/resultflight/client"
)

// PropertyResultFormat is the session property selecting the representation.
const PropertyResultFormat = "result_format"

// Format is a result representation.
type Format string

const (
	// FormatJSON is the row-oriented representation, the default.
	FormatJSON Format = "json"
	// FormatArrow is the columnar streaming representation.
	FormatArrow Format = "arrow"
)

var (
	// ErrUnsupportedResultFormat is returned for an explicit but unknown format.
	ErrUnsupportedResultFormat = errors.New("unsupported result format")
)

// ProgressFunc receives query statistics each time the client advances.
type ProgressFunc func(client.Stats)

// ResultSet is a forward-only cursor over query rows.
type ResultSet interface {
	// Next advances to the next row. It returns false when the rows are
	// exhausted, the row limit was reached, or an error occurred.
	Next() bool

	// Row returns the values of the current row. The slice is only valid
	// until the next call to Next.
	Row() []any

	// Columns returns the column metadata, nil until the first row or the
	// end of the results.
	Columns() []client.Column

	// Format returns the representation rows are decoded from.
	Format() Format

	// Done reports whether every row was consumed.
	Done() bool

	// Err returns the terminal error. The first error wins; later failures
	// are not reported.
	Err() error

	// Close releases the result set and its client, canceling the query if
	// it is still running. Closing is not a failure: Err keeps reporting
	// what happened before it, and Next returns false afterwards.
	Close() error
}

// ColumnarResultSet is implemented by result sets reading Arrow batches.
type ColumnarResultSet interface {
	ResultSet

	// Record returns the batch holding the current row and the row's index
	// in it. The record is valid until the next call to Next.
	Record() (rec arrow.Record, row int)
}

// LookupFormat parses a result_format value. An empty value selects
// FormatJSON; an unknown one fails with ErrUnsupportedResultFormat.
func LookupFormat(value string) (Format, error) {
	switch v := strings.TrimSpace(value); {
	case v == "":
		return FormatJSON, nil
	case strings.EqualFold(v, string(FormatJSON)):
		return FormatJSON, nil
	case strings.EqualFold(v, string(FormatArrow)):
		return FormatArrow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResultFormat, value)
	}
}

// FormatOf returns the format selected for c. Properties the server asked
// the client to set take precedence over the session's own.
func FormatOf(c client.StatementClient) (Format, error) {
	value := c.Session().Properties[PropertyResultFormat]
	if v, ok := c.SetSessionProperties()[PropertyResultFormat]; ok {
		value = v
	}
	return LookupFormat(value)
}

// GetResultSet wraps a submitted client in the result set matching its
// result_format. maxRows > 0 caps the rows surfaced; progress and warnings
// may be nil.
func GetResultSet(ctx context.Context, c client.StatementClient, maxRows int64, progress ProgressFunc, warnings *WarningsManager) (ResultSet, error) {
	format, err := FormatOf(c)
	if err != nil {
		return nil, err
	}

	base := &cursor{
		ctx:      ctx,
		client:   c,
		maxRows:  maxRows,
		progress: progress,
		warnings: warnings,
		format:   format,
	}
	switch format {
	case FormatArrow:
		base.decoder = &columnarDecoder{}
		return &columnarResultSet{cursor: base}, nil
	default:
		base.decoder = &rowDecoder{}
		return base, nil
	}
}
