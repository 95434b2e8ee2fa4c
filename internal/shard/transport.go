// ABOUTME: Socket abstraction used by the shard plus its websocket implementation.
// ABOUTME: Server close frames surface as *protocol.CloseError from Read.

package shard

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/shardgate/internal/protocol"
)

// readLimit caps a single inbound message. Guild payloads of large
// communities run to tens of megabytes.
const readLimit = 512 << 20

// Socket is one open connection to the gateway.
type Socket interface {
	// Read blocks for the next message. A close frame from the server is
	// returned as a *protocol.CloseError.
	Read(ctx context.Context) (binary bool, data []byte, err error)
	Write(ctx context.Context, binary bool, data []byte) error
	Close(code protocol.CloseCode, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials the gateway over websockets.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial opens a websocket connection. It returns once the handshake completes.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	return &websocketSocket{conn: conn}, nil
}

type websocketSocket struct {
	conn *websocket.Conn
}

func (s *websocketSocket) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return false, nil, &protocol.CloseError{Code: protocol.CloseCode(ce.Code), Reason: ce.Reason}
		}
		return false, nil, err
	}
	return typ == websocket.MessageBinary, data, nil
}

func (s *websocketSocket) Write(ctx context.Context, binary bool, data []byte) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return s.conn.Write(ctx, typ, data)
}

func (s *websocketSocket) Close(code protocol.CloseCode, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
