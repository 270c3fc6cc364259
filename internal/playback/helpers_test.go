package playback

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/stretchr/testify/require"
)

// replyTransport answers every sync_request synchronously, with an ack
// or, when reject is set, a sync_error.
type replyTransport struct {
	mu        sync.Mutex
	available bool
	reject    string
	sent      []dispatch.Request
	handlers  map[string]func(json.RawMessage)
}

func newReplyTransport() *replyTransport {
	return &replyTransport{available: true, handlers: make(map[string]func(json.RawMessage))}
}

func (r *replyTransport) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.available
}

func (r *replyTransport) Emit(_ context.Context, event string, data any) error {
	req, ok := data.(dispatch.Request)
	if !ok || event != dispatch.EventSyncRequest {
		return nil
	}

	r.mu.Lock()
	r.sent = append(r.sent, req)
	reject := r.reject
	ack := r.handlers[dispatch.EventSyncAck]
	fail := r.handlers[dispatch.EventSyncError]
	r.mu.Unlock()

	if reject != "" {
		raw, _ := json.Marshal(map[string]string{"syncId": req.SyncID, "error": reject})
		fail(raw)

		return nil
	}

	raw, _ := json.Marshal(map[string]string{"syncId": req.SyncID})
	ack(raw)

	return nil
}

func (r *replyTransport) On(event string, fn func(json.RawMessage)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[event] = fn

	return func() {}
}

func (r *replyTransport) records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.sent))
	for _, req := range r.sent {
		out = append(out, req.Data.(Record))
	}

	return out
}

func newTestManager(t *testing.T, tr *replyTransport, cfg Config) *Manager {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	if cfg.DeviceID == "" {
		cfg.DeviceID = "device-a"
	}

	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = 500 * time.Millisecond
	}

	if cfg.Expiry == 0 {
		cfg.Expiry = 5 * time.Minute
	}

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	d := dispatch.New(tr, dispatch.Config{DeviceID: cfg.DeviceID}, logger)
	require.NotNil(t, d)

	return NewManager(cfg, d, logger)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func record(m *Manager) *eventRecorder {
	r := &eventRecorder{}
	m.Subscribe(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})

	return r
}

func (r *eventRecorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event

	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}
