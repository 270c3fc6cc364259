package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is a channel-backed wsConn. Reads block until a frame is
// pushed, the conn is dropped, or the context ends, which keeps it
// durably blocking inside a synctest bubble.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	autoAuth bool
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b := <-c.inbound:
		return websocket.MessageText, b, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}

	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()

	if c.autoAuth && gjson.GetBytes(p, "event").Str == EventAuthenticate {
		c.inbound <- []byte(`{"event":"authenticated"}`)
	}

	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.drop()
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// drop simulates the relay going away.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) push(event string, data any) {
	b, err := encodeFrame(event, data)
	if err != nil {
		panic(err)
	}
	c.inbound <- b
}

// frames returns the data payloads of written frames named event.
func (c *fakeConn) frames(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []json.RawMessage
	for _, w := range c.written {
		if gjson.GetBytes(w, "event").Str == event {
			out = append(out, json.RawMessage(gjson.GetBytes(w, "data").Raw))
		}
	}
	return out
}

// fakeDialer hands out auto-authenticating fakeConns. The next fail
// dials return an error instead.
type fakeDialer struct {
	mu      sync.Mutex
	fail    int
	dials   int
	conns   []*fakeConn
	headers []http.Header
}

func (d *fakeDialer) dial(_ context.Context, _ string, header http.Header) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.headers = append(d.headers, header)

	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	c.autoAuth = true
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestManager(t *testing.T, cfg Config, d *fakeDialer) *Manager {
	t.Helper()

	if cfg.URL == "" {
		cfg.URL = "ws://relay.test/sync"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "device-a"
	}

	m := NewManager(cfg, slog.New(slog.DiscardHandler))
	if d != nil {
		m.dial = d.dial
	}
	return m
}

// lifecycleRecorder captures lifecycle events for assertions.
type lifecycleRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func recordLifecycle(m *Manager) *lifecycleRecorder {
	r := &lifecycleRecorder{}
	m.Subscribe(func(e LifecycleEvent) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *lifecycleRecorder) kinds() []LifecycleKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LifecycleKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *lifecycleRecorder) of(kind LifecycleKind) []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []LifecycleEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
