package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/device-sync/internal/platform"
	"github.com/alexjbarnes/device-sync/internal/playback"
	"github.com/alexjbarnes/device-sync/internal/realtime"
	"github.com/alexjbarnes/device-sync/internal/syncsvc"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testUserID = "user-1"
	testToken  = "relay-token"
)

// broadcastEvents maps sync request types to the broadcast the relay
// fans out to every device of the user, the sender included.
var broadcastEvents = map[string]string{
	"voice_message":  syncsvc.EventVoiceMessageSync,
	"playback_state": syncsvc.EventPlaybackStateSync,
	"message":        syncsvc.EventMessageSync,
	"read_status":    syncsvc.EventReadStatusSync,
}

// relay is a minimal in-process sync server: it authenticates devices,
// acknowledges sync requests and fans them out per user.
type relay struct {
	srv *httptest.Server

	mu      sync.Mutex
	clients map[*relayClient]struct{}
	reject  map[string]string

	// requests counts accepted sync requests by "<type>/<payload id>".
	requests map[string]int

	heartbeats atomic.Int64
	accepted   atomic.Int64
}

type relayClient struct {
	conn     *websocket.Conn
	userID   string
	deviceID string
	writeMu  sync.Mutex
}

func (c *relayClient) send(ctx context.Context, event string, data any) error {
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.Write(ctx, websocket.MessageText, b)
}

func newRelay(t *testing.T) *relay {
	t.Helper()

	r := &relay{
		clients:  make(map[*relayClient]struct{}),
		reject:   make(map[string]string),
		requests: make(map[string]int),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)

	return r
}

func (r *relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// rejectType makes the relay answer sync requests of typ with sync_error.
func (r *relay) rejectType(typ, reason string) {
	r.mu.Lock()
	r.reject[typ] = reason
	r.mu.Unlock()
}

// drop severs the connection of one device without a close handshake.
func (r *relay) drop(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		if c.deviceID == deviceID {
			c.conn.CloseNow()
		}
	}
}

func (r *relay) connected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		if c.deviceID == deviceID {
			return true
		}
	}

	return false
}

// requestCount returns how many sync requests of typ carrying payload
// id the relay accepted.
func (r *relay) requestCount(typ, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.requests[typ+"/"+id]
}

func (r *relay) connectedDevices() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}

func (r *relay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := req.Context()

	_, data, err := conn.Read(ctx)
	if err != nil || gjson.GetBytes(data, "event").Str != realtime.EventAuthenticate {
		return
	}

	c := &relayClient{
		conn:     conn,
		userID:   gjson.GetBytes(data, "data.userId").Str,
		deviceID: gjson.GetBytes(data, "data.deviceId").Str,
	}

	token := gjson.GetBytes(data, "data.token").Str
	if token != testToken || req.Header.Get("Authorization") != "Bearer "+testToken {
		_ = c.send(ctx, realtime.EventAuthError, map[string]string{"error": "invalid token"})
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")

		return
	}

	if err := c.send(ctx, realtime.EventAuthenticated, map[string]string{"deviceId": c.deviceID}); err != nil {
		return
	}

	r.accepted.Add(1)
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		r.handle(ctx, c, data)
	}
}

func (r *relay) handle(ctx context.Context, c *relayClient, data []byte) {
	switch gjson.GetBytes(data, "event").Str {
	case realtime.EventHeartbeat:
		r.heartbeats.Add(1)

	case realtime.EventAuthenticate:
		_ = c.send(ctx, realtime.EventAuthenticated, map[string]string{"deviceId": c.deviceID})

	case "sync_request":
		syncID := gjson.GetBytes(data, "data.syncId").Str
		typ := gjson.GetBytes(data, "data.type").Str

		r.mu.Lock()
		reason, rejected := r.reject[typ]
		if !rejected {
			r.requests[typ+"/"+gjson.GetBytes(data, "data.data.id").Str]++
		}
		r.mu.Unlock()

		if rejected {
			_ = c.send(ctx, "sync_error", map[string]string{"syncId": syncID, "error": reason})
			return
		}

		_ = c.send(ctx, "sync_ack", map[string]string{"syncId": syncID})

		event, ok := broadcastEvents[typ]
		if !ok {
			return
		}

		payload := json.RawMessage(gjson.GetBytes(data, "data.data").Raw)

		r.mu.Lock()
		peers := make([]*relayClient, 0, len(r.clients))
		for peer := range r.clients {
			if peer.userID == c.userID {
				peers = append(peers, peer)
			}
		}
		r.mu.Unlock()

		for _, peer := range peers {
			_ = peer.send(ctx, event, payload)
		}
	}
}

// testDevice is one running sync core connected to the relay.
type testDevice struct {
	id      string
	svc     *syncsvc.Service
	signals *platform.Signals

	mu     sync.Mutex
	events []syncsvc.Event
}

func newDevice(t *testing.T, r *relay, id string) *testDevice {
	t.Helper()

	d := startDevice(t, r, id)
	require.NoError(t, d.svc.Connect(t.Context(), testUserID, testToken))

	return d
}

func startDevice(t *testing.T, r *relay, id string) *testDevice {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	signals := platform.NewSignals()

	conn := realtime.NewManager(realtime.Config{
		URL:                  r.URL(),
		DeviceID:             id,
		HeartbeatInterval:    50 * time.Millisecond,
		HandshakeTimeout:     2 * time.Second,
		ReconnectBaseDelay:   20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Network:              signals,
		Visibility:           signals,
	}, logger)

	svc := syncsvc.New(conn, syncsvc.Options{
		DeviceID: id,
		Playback: playback.Config{DebounceDelay: 50 * time.Millisecond},
	}, logger)
	t.Cleanup(svc.Close)

	d := &testDevice{id: id, svc: svc, signals: signals}
	svc.Subscribe(func(e syncsvc.Event) {
		d.mu.Lock()
		d.events = append(d.events, e)
		d.mu.Unlock()
	})

	return d
}

func (d *testDevice) eventsOf(kind syncsvc.EventKind) []syncsvc.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []syncsvc.Event

	for _, e := range d.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

func (d *testDevice) playbackEvents(kind playback.EventKind) []playback.Event {
	var out []playback.Event

	for _, e := range d.eventsOf(syncsvc.EventPlayback) {
		if e.Playback.Kind == kind {
			out = append(out, *e.Playback)
		}
	}

	return out
}
