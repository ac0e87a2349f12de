// Package serialize encodes DoAction request and response bodies.
//
// A payload is one flag byte followed by a MessagePack document. Documents
// larger than CompressThreshold are ZStandard-compressed and flagged so the
// peer knows to decompress them first.
package serialize

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hugr-lab/resultflight/internal/msgpack"
)

// CompressThreshold is the encoded size above which payloads are compressed.
const CompressThreshold = 1024

const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// ErrInvalidPayload is returned for payloads without a known flag byte.
var ErrInvalidPayload = errors.New("invalid action payload")

var (
	codecOnce    sync.Once
	compressor   *Compressor
	decompressor *Decompressor
	codecErr     error
)

func codec() (*Compressor, *Decompressor, error) {
	codecOnce.Do(func() {
		compressor, codecErr = NewCompressor()
		if codecErr != nil {
			return
		}
		decompressor, codecErr = NewDecompressor()
	})
	return compressor, decompressor, codecErr
}

// Marshal encodes v as an action payload.
func Marshal(v any) ([]byte, error) {
	data, err := msgpack.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(data) <= CompressThreshold {
		return append([]byte{flagPlain}, data...), nil
	}

	c, _, err := codec()
	if err != nil {
		return nil, err
	}
	compressed := c.Compress(data)
	return append([]byte{flagZstd}, compressed...), nil
}

// Unmarshal decodes an action payload into v, which must be a pointer.
func Unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	data := payload[1:]
	switch payload[0] {
	case flagPlain:
	case flagZstd:
		_, d, err := codec()
		if err != nil {
			return err
		}
		if data, err = d.Decompress(data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	default:
		return fmt.Errorf("%w: unknown flag %#x", ErrInvalidPayload, payload[0])
	}
	return msgpack.Decode(data, v)
}
