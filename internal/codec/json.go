// ABOUTME: JSON text encoding of gateway payloads.
// ABOUTME: The default encoding and the fallback when another is unavailable.

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/2389/shardgate/internal/protocol"
)

// JSON encodes payloads as JSON text frames.
type JSON struct{}

func (JSON) Encoding() Encoding { return EncodingJSON }

func (JSON) Binary() bool { return false }

func (JSON) Pack(p protocol.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("packing json payload: %w", err)
	}
	return data, nil
}

func (JSON) Unpack(data []byte) (protocol.Payload, error) {
	p := protocol.Payload{Op: protocol.OpNone}
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Payload{}, fmt.Errorf("unpacking json payload: %w", err)
	}
	return p, nil
}
