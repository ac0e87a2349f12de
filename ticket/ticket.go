// Package ticket encodes and decodes the opaque Flight tickets that address
// one buffered result chunk.
//
// A ticket is the triple (path, ordinal, guard). The path locates the data in
// the node/query/partition hierarchy, the ordinal is the position of the
// chunk within its stream, and the guard is minted once per stream by the
// store that buffers it, so a ticket can never be resolved against another
// node or a restarted store.
//
// The wire form is compact JSON with a fixed field order:
//
//	{"path":["node-1","q1","p0"],"ordinal":0,"uuid":"..."}
//
// Encoding is stable: the same triple always produces the same bytes, which
// makes the encoded form usable as a map key (see Ticket.Key).
package ticket

import (
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

var (
	// ErrInvalidArgument is returned by Encode and New for a negative ordinal
	// or an empty guard.
	ErrInvalidArgument = errors.New("invalid ticket argument")

	// ErrMalformedTicket is returned by Decode when the payload does not parse
	// into a complete (path, ordinal, guard) triple.
	ErrMalformedTicket = errors.New("malformed ticket")
)

// Ticket addresses one result chunk. Tickets are values: they are never
// mutated after creation.
type Ticket struct {
	// Path is the logical location of the data, outermost element first.
	Path []string
	// Ordinal is the sequence position of the chunk within its stream.
	Ordinal int64
	// Guard identifies the stream instance that minted this ticket.
	Guard string
}

// wireTicket is the JSON wire layout. Field order is part of the format.
type wireTicket struct {
	Path    []string `json:"path"`
	Ordinal int64    `json:"ordinal"`
	Guard   string   `json:"uuid"`
}

// decodeTicket uses pointers so that missing fields can be told apart from
// zero values.
type decodeTicket struct {
	Path    *[]string `json:"path"`
	Ordinal *int64    `json:"ordinal"`
	Guard   *string   `json:"uuid"`
}

// New validates the triple and returns a Ticket owning a copy of path.
func New(path []string, ordinal int64, guard string) (Ticket, error) {
	if err := validate(ordinal, guard); err != nil {
		return Ticket{}, err
	}
	if path == nil {
		path = []string{}
	}
	return Ticket{
		Path:    slices.Clone(path),
		Ordinal: ordinal,
		Guard:   guard,
	}, nil
}

// Encode serializes the triple into its wire form.
// Returns ErrInvalidArgument if ordinal is negative or guard is empty.
func Encode(path []string, ordinal int64, guard string) ([]byte, error) {
	if err := validate(ordinal, guard); err != nil {
		return nil, err
	}
	if path == nil {
		path = []string{}
	}
	data, err := json.Marshal(wireTicket{Path: path, Ordinal: ordinal, Guard: guard})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}
	return data, nil
}

// Decode parses a ticket produced by Encode.
// Any other input, including truncated payloads, missing fields, fields of
// the wrong type and non-canonical spellings of a valid ticket (reordered or
// extra keys, whitespace), fails with ErrMalformedTicket.
func Decode(data []byte) (Ticket, error) {
	if len(data) == 0 {
		return Ticket{}, fmt.Errorf("%w: empty payload", ErrMalformedTicket)
	}

	var raw decodeTicket
	if err := json.Unmarshal(data, &raw); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}

	switch {
	case raw.Path == nil:
		return Ticket{}, fmt.Errorf("%w: missing path", ErrMalformedTicket)
	case raw.Ordinal == nil:
		return Ticket{}, fmt.Errorf("%w: missing ordinal", ErrMalformedTicket)
	case raw.Guard == nil:
		return Ticket{}, fmt.Errorf("%w: missing uuid", ErrMalformedTicket)
	case *raw.Ordinal < 0:
		return Ticket{}, fmt.Errorf("%w: negative ordinal %d", ErrMalformedTicket, *raw.Ordinal)
	case *raw.Guard == "":
		return Ticket{}, fmt.Errorf("%w: empty uuid", ErrMalformedTicket)
	}

	t := Ticket{
		Path:    *raw.Path,
		Ordinal: *raw.Ordinal,
		Guard:   *raw.Guard,
	}
	// Only the exact bytes Encode produces are accepted.
	if t.Key() != string(data) {
		return Ticket{}, fmt.Errorf("%w: not in canonical form", ErrMalformedTicket)
	}
	return t, nil
}

// Bytes returns the wire form of the ticket. It equals Encode of the same
// triple for any ticket built by New or Decode.
func (t Ticket) Bytes() []byte {
	return []byte(t.Key())
}

// Key returns the canonical byte form of the ticket as a string.
// Two tickets have the same key if and only if they are Equal.
func (t Ticket) Key() string {
	path := t.Path
	if path == nil {
		path = []string{}
	}
	// Marshalling a string slice, an int and a string cannot fail.
	data, _ := json.Marshal(wireTicket{Path: path, Ordinal: t.Ordinal, Guard: t.Guard})
	return string(data)
}

// Equal reports whether both tickets address the same chunk.
func (t Ticket) Equal(other Ticket) bool {
	return t.Ordinal == other.Ordinal &&
		t.Guard == other.Guard &&
		slices.Equal(t.Path, other.Path)
}

// String implements fmt.Stringer for logging.
func (t Ticket) String() string {
	return fmt.Sprintf("%v#%d@%s", t.Path, t.Ordinal, t.Guard)
}

func validate(ordinal int64, guard string) error {
	if ordinal < 0 {
		return fmt.Errorf("%w: ordinal must be non-negative, got %d", ErrInvalidArgument, ordinal)
	}
	if guard == "" {
		return fmt.Errorf("%w: guard cannot be empty", ErrInvalidArgument)
	}
	return nil
}
