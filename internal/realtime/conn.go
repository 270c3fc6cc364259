package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Event names used by the connection manager itself. Everything else is
// routed to handlers registered with On.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventHeartbeat     = "heartbeat"
)

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// readLimit bounds a single inbound frame. Sync payloads are small JSON
// documents; voice message bodies travel by URL, not inline.
const readLimit = 1 << 20

// Handshake is the authentication payload sent as the first frame.
type Handshake struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	Token    string `json:"token"`
}

// Heartbeat is emitted on a fixed interval while connected. It is
// fire-and-forget; no acknowledgment is tracked.
type Heartbeat struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

type authError struct {
	Error string `json:"error"`
}

// outFrame is the wire envelope for every outbound event.
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", event, err)
	}

	return b, nil
}
