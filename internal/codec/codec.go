// ABOUTME: Codec interface and the startup lookup of encodings and compression.
// ABOUTME: Unknown names fail with ErrUnavailable so callers can fall back to JSON.

package codec

import (
	"errors"
	"fmt"

	"github.com/2389/shardgate/internal/protocol"
)

// ErrUnavailable indicates a requested encoding or compression is not supported.
var ErrUnavailable = errors.New("codec unavailable")

// Encoding names a payload encoding as sent in the connection URL.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingETF  Encoding = "etf"
)

// Compression names a transport compression as sent in the connection URL.
type Compression string

const (
	CompressionNone       Compression = ""
	CompressionZlibStream Compression = "zlib-stream"
)

// Codec packs and unpacks payloads for one encoding.
type Codec interface {
	Encoding() Encoding
	// Binary reports whether packed payloads are sent as binary messages.
	Binary() bool
	Pack(p protocol.Payload) ([]byte, error)
	// Unpack parses a frame. Empty input yields a payload with Op OpNone.
	Unpack(data []byte) (protocol.Payload, error)
}

// Lookup returns the codec for an encoding name. An empty name selects JSON.
func Lookup(enc Encoding) (Codec, error) {
	switch enc {
	case "", EncodingJSON:
		return JSON{}, nil
	case EncodingETF:
		return ETF{}, nil
	default:
		return nil, fmt.Errorf("encoding %q: %w", enc, ErrUnavailable)
	}
}

// CheckCompression validates a compression name.
func CheckCompression(c Compression) error {
	switch c {
	case CompressionNone, CompressionZlibStream:
		return nil
	default:
		return fmt.Errorf("compression %q: %w", c, ErrUnavailable)
	}
}
