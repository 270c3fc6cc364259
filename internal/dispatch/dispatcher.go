// Package dispatch turns typed sync intents into wire requests, tracks
// them by correlation id until acknowledged, rejected or timed out, and
// queues them while the transport is unavailable.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/events"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Wire event names.
const (
	EventSyncRequest = "sync_request"
	EventSyncAck     = "sync_ack"
	EventSyncError   = "sync_error"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultQueueLimit = 500
)

// Kind is the type of a sync intent.
type Kind string

const (
	KindVoiceMessage  Kind = "voice_message"
	KindPlaybackState Kind = "playback_state"
	KindMessage       Kind = "message"
	KindReadStatus    Kind = "read_status"
)

func (k Kind) valid() bool {
	switch k {
	case KindVoiceMessage, KindPlaybackState, KindMessage, KindReadStatus:
		return true
	}

	return false
}

// Request is the outbound sync_request payload.
type Request struct {
	Type   Kind   `json:"type"`
	Data   any    `json:"data"`
	SyncID string `json:"syncId"`
}

// Intent is a pending outbound operation. Attempts counts how many times
// it was re-queued after a failed resubmission.
type Intent struct {
	Kind          Kind
	Payload       any
	CorrelationID string
	DeviceID      string
	EnqueuedAt    time.Time
	Attempts      int
}

// Status is the terminal state of a successful Send.
type Status string

const (
	StatusAcked  Status = "acked"
	StatusQueued Status = "queued"
)

// Result reports how a Send completed. Queued is a valid terminal state
// for the call, distinct from success and failure.
type Result struct {
	SyncID string
	Status Status
}

// Transport is the subset of the connection manager the dispatcher needs.
type Transport interface {
	Available() bool
	Emit(ctx context.Context, event string, data any) error
	On(event string, fn func(json.RawMessage)) (cancel func())
}

// EventKind names a dispatcher observability event.
type EventKind string

const (
	EventQueued   EventKind = "queued"
	EventRequeued EventKind = "requeued"
	EventDropped  EventKind = "dropped"
	EventSent     EventKind = "sent"
	EventAcked    EventKind = "acked"
	EventFailed   EventKind = "failed"
	EventTimedOut EventKind = "timed_out"
)

// Event is published for every intent state transition.
type Event struct {
	Kind   EventKind
	Intent Intent
	Err    error
}

// Config holds dispatcher parameters. MaxRequeues of 0 re-queues without
// limit; QueueLimit bounds the offline queue, dropping the oldest entry.
type Config struct {
	DeviceID    string
	Timeout     time.Duration
	MaxRequeues int
	QueueLimit  int
}

type inflight struct {
	intent  Intent
	pending *Pending
	timer   *time.Timer
}

// Dispatcher is the sync dispatcher. It is transport-generic: it knows
// nothing about connection lifecycle beyond Transport.Available, and the
// owner calls Flush when the transport becomes available again.
type Dispatcher struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	newID     func() string

	mu       sync.Mutex
	queue    []Intent
	inflight map[string]*inflight
	flushing bool
	closed   bool

	events events.Bus[Event]
	unsubs []func()
}

// New creates a Dispatcher and registers its ack and error handlers on
// the transport.
func New(transport Transport, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = defaultQueueLimit
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With(slog.String("component", "dispatch")),
		newID:     uuid.NewString,
		inflight:  make(map[string]*inflight),
	}

	d.unsubs = append(d.unsubs,
		transport.On(EventSyncAck, d.handleAck),
		transport.On(EventSyncError, d.handleSyncError),
	)

	return d
}

// Send submits an intent and waits for its outcome.
func (d *Dispatcher) Send(ctx context.Context, kind Kind, payload any) (Result, error) {
	return d.Submit(kind, payload).Wait(ctx)
}

// Submit assigns a correlation id and either transmits the intent on the
// caller's goroutine or queues it. Successive Submits from one goroutine
// reach the wire in call order. The returned Pending resolves on ack,
// server error, timeout, or immediately when queued.
func (d *Dispatcher) Submit(kind Kind, payload any) *Pending {
	intent := Intent{
		Kind:          kind,
		Payload:       payload,
		CorrelationID: d.newID(),
		DeviceID:      d.cfg.DeviceID,
		EnqueuedAt:    time.Now(),
	}

	if err := validate(intent); err != nil {
		p := newPending(intent.CorrelationID)
		p.resolve(Result{SyncID: intent.CorrelationID}, err)

		return p
	}

	if !d.transport.Available() {
		return d.queueIntent(intent)
	}

	p, err := d.transmit(intent)
	if err != nil {
		d.logger.Debug("transmit failed, queueing",
			slog.String("sync_id", intent.CorrelationID),
			slog.String("error", err.Error()),
		)

		return d.queueIntent(intent)
	}

	return p
}

// Flush drains the queue in enqueue order by resubmitting each intent.
// Entries leave the queue once handed to the transport; an entry whose
// resubmission fails is re-queued, or dropped after MaxRequeues. Only
// one Flush runs at a time; concurrent calls return immediately.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	if d.flushing || d.closed || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}

	d.flushing = true
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	var (
		leftover []Intent
		dropped  []Intent
		sent     int
	)

	for i, intent := range batch {
		if ctx.Err() != nil || !d.transport.Available() {
			leftover = append(leftover, batch[i:]...)
			break
		}

		if _, err := d.transmit(intent); err != nil {
			intent.Attempts++

			if d.cfg.MaxRequeues > 0 && intent.Attempts > d.cfg.MaxRequeues {
				dropped = append(dropped, intent)
				continue
			}

			d.events.Publish(Event{Kind: EventRequeued, Intent: intent, Err: err})
			leftover = append(leftover, intent)

			continue
		}

		sent++
	}

	d.mu.Lock()
	d.flushing = false
	if d.closed {
		d.mu.Unlock()
		return
	}

	// Anything queued during the flush is newer than the leftovers.
	d.queue = append(leftover, d.queue...)
	overflow := d.trimLocked()
	remaining := len(d.queue)
	d.mu.Unlock()

	for _, intent := range append(dropped, overflow...) {
		d.logger.Warn("dropping sync intent",
			slog.String("sync_id", intent.CorrelationID),
			slog.String("kind", string(intent.Kind)),
			slog.Int("attempts", intent.Attempts),
		)
		d.events.Publish(Event{Kind: EventDropped, Intent: intent})
	}

	d.logger.Info("sync queue flushed",
		slog.Int("resubmitted", sent),
		slog.Int("remaining", remaining),
		slog.Int("dropped", len(dropped)+len(overflow)),
	)
}

// OnBroadcast registers fn for inbound broadcast frames named event,
// discarding frames whose deviceId is the local device.
func (d *Dispatcher) OnBroadcast(event string, fn func(json.RawMessage)) (cancel func()) {
	return d.transport.On(event, func(raw json.RawMessage) {
		if IsSelfEcho(raw, d.cfg.DeviceID) {
			return
		}

		fn(raw)
	})
}

// IsSelfEcho reports whether a broadcast payload originated from deviceID.
func IsSelfEcho(raw json.RawMessage, deviceID string) bool {
	return deviceID != "" && gjson.GetBytes(raw, "deviceId").Str == deviceID
}

// Subscribe registers fn for dispatcher events.
func (d *Dispatcher) Subscribe(fn func(Event)) (cancel func()) {
	return d.events.Subscribe(fn)
}

// QueueLen returns the number of queued intents.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.queue)
}

// Queued returns a snapshot of the queue in enqueue order.
func (d *Dispatcher) Queued() []Intent {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Intent, len(d.queue))
	copy(out, d.queue)

	return out
}

// InFlight returns the number of requests awaiting acknowledgment.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.inflight)
}

// Close detaches from the transport, rejects in-flight requests with
// ErrClosed, and discards the queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	d.closed = true
	pending := d.inflight
	d.inflight = make(map[string]*inflight)
	d.queue = nil
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	for _, inf := range pending {
		inf.timer.Stop()
		inf.pending.resolve(Result{SyncID: inf.intent.CorrelationID}, syncerrors.ErrClosed)
	}
}

// transmit registers the intent as in flight and writes the request.
// On a write failure the registration is undone and the error returned.
func (d *Dispatcher) transmit(intent Intent) (*Pending, error) {
	id := intent.CorrelationID
	p := newPending(id)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, syncerrors.ErrClosed
	}

	inf := &inflight{intent: intent, pending: p}
	inf.timer = time.AfterFunc(d.cfg.Timeout, func() { d.expire(id) })
	d.inflight[id] = inf
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req := Request{Type: intent.Kind, Data: intent.Payload, SyncID: id}
	if err := d.transport.Emit(ctx, EventSyncRequest, req); err != nil {
		d.mu.Lock()
		delete(d.inflight, id)
		d.mu.Unlock()
		inf.timer.Stop()

		return nil, fmt.Errorf("emitting %s: %w", EventSyncRequest, err)
	}

	d.logger.Debug("sync request sent",
		slog.String("sync_id", id),
		slog.String("kind", string(intent.Kind)),
	)
	d.events.Publish(Event{Kind: EventSent, Intent: intent})

	return p, nil
}

func (d *Dispatcher) queueIntent(intent Intent) *Pending {
	p := newPending(intent.CorrelationID)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		p.resolve(Result{SyncID: intent.CorrelationID}, syncerrors.ErrClosed)

		return p
	}

	d.queue = append(d.queue, intent)
	overflow := d.trimLocked()
	d.mu.Unlock()

	d.logger.Debug("sync intent queued",
		slog.String("sync_id", intent.CorrelationID),
		slog.String("kind", string(intent.Kind)),
	)
	d.events.Publish(Event{Kind: EventQueued, Intent: intent})

	for _, dropped := range overflow {
		d.logger.Warn("sync queue full, dropping oldest", slog.String("sync_id", dropped.CorrelationID))
		d.events.Publish(Event{Kind: EventDropped, Intent: dropped})
	}

	p.resolve(Result{SyncID: intent.CorrelationID, Status: StatusQueued}, nil)

	return p
}

// trimLocked enforces QueueLimit by removing the oldest entries.
func (d *Dispatcher) trimLocked() []Intent {
	excess := len(d.queue) - d.cfg.QueueLimit
	if excess <= 0 {
		return nil
	}

	overflow := make([]Intent, excess)
	copy(overflow, d.queue[:excess])
	d.queue = append([]Intent(nil), d.queue[excess:]...)

	return overflow
}

// take removes and returns the in-flight record for id, stopping its timer.
func (d *Dispatcher) take(id string) *inflight {
	d.mu.Lock()
	inf, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()

	if !ok {
		return nil
	}

	inf.timer.Stop()

	return inf
}

func (d *Dispatcher) handleAck(raw json.RawMessage) {
	id := gjson.GetBytes(raw, "syncId").Str

	inf := d.take(id)
	if inf == nil {
		d.logger.Debug("ack for unknown sync", slog.String("sync_id", id))
		return
	}

	inf.pending.resolve(Result{SyncID: id, Status: StatusAcked}, nil)
	d.events.Publish(Event{Kind: EventAcked, Intent: inf.intent})
}

func (d *Dispatcher) handleSyncError(raw json.RawMessage) {
	id := gjson.GetBytes(raw, "syncId").Str

	inf := d.take(id)
	if inf == nil {
		d.logger.Debug("sync error for unknown sync", slog.String("sync_id", id))
		return
	}

	reason := gjson.GetBytes(raw, "error").Str
	if reason == "" {
		reason = "unspecified"
	}

	err := &syncerrors.ServerSyncError{SyncID: id, Reason: reason}
	d.logger.Warn("sync rejected by server", slog.String("sync_id", id), slog.String("reason", reason))
	inf.pending.resolve(Result{SyncID: id}, err)
	d.events.Publish(Event{Kind: EventFailed, Intent: inf.intent, Err: err})
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	inf, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()

	if !ok {
		return
	}

	err := &syncerrors.SyncTimeoutError{SyncID: id, Kind: string(inf.intent.Kind), After: d.cfg.Timeout}
	d.logger.Warn("sync timed out", slog.String("sync_id", id), slog.Duration("after", d.cfg.Timeout))
	inf.pending.resolve(Result{SyncID: id}, err)
	d.events.Publish(Event{Kind: EventTimedOut, Intent: inf.intent, Err: err})
}

func validate(intent Intent) error {
	if !intent.Kind.valid() {
		return &syncerrors.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown sync kind %q", intent.Kind)}
	}

	if intent.Payload == nil {
		return &syncerrors.ValidationError{Field: "payload", Reason: "must not be nil"}
	}

	return nil
}
