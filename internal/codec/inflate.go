// ABOUTME: Per-connection zlib-stream inflater with flush-boundary detection.
// ABOUTME: Buffers chunks until the sync-flush suffix, then inflates with the carried window.

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// windowSize is the deflate history window carried between messages.
const windowSize = 32 * 1024

// zlibSuffix terminates every flushed message of a zlib stream.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// ErrCorruptStream indicates the zlib stream header is invalid.
var ErrCorruptStream = errors.New("corrupt zlib stream")

// Inflater decompresses one connection's zlib stream. It is not safe for
// concurrent use and must not outlive the connection it was created for.
type Inflater struct {
	buf    []byte
	window []byte
	header bool
}

// NewInflater returns an Inflater positioned at the start of a stream.
func NewInflater() *Inflater {
	return &Inflater{}
}

// Decompress appends chunk to the pending buffer. When the buffer ends with
// the flush suffix, the buffered message is inflated and returned with ok
// set; otherwise ok is false and the caller waits for more chunks.
func (i *Inflater) Decompress(chunk []byte) (out []byte, ok bool, err error) {
	i.buf = append(i.buf, chunk...)
	if !bytes.HasSuffix(i.buf, zlibSuffix) {
		return nil, false, nil
	}

	data := i.buf
	i.buf = nil

	if !i.header {
		if len(data) < 2 {
			return nil, false, ErrCorruptStream
		}
		cmf, flg := data[0], data[1]
		if cmf&0x0f != 8 || (uint16(cmf)<<8|uint16(flg))%31 != 0 || flg&0x20 != 0 {
			return nil, false, ErrCorruptStream
		}
		data = data[2:]
		i.header = true
	}

	r := flate.NewReaderDict(bytes.NewReader(data), i.window)
	defer r.Close()

	// A flushed message ends on a block boundary without a final block, so
	// the reader always stops with ErrUnexpectedEOF once the input is used up.
	out, err = io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, fmt.Errorf("inflating message: %w", err)
	}

	i.window = append(i.window, out...)
	if len(i.window) > windowSize {
		i.window = append([]byte(nil), i.window[len(i.window)-windowSize:]...)
	}
	return out, true, nil
}
