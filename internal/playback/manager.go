// Package playback holds per-message voice playback state for one device,
// propagates local changes through the sync dispatcher and reconciles
// remote changes with last-writer-wins.
package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	syncerrors "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/events"
)

const (
	defaultDebounce = 500 * time.Millisecond
	defaultExpiry   = 5 * time.Minute
	defaultSweep    = 60 * time.Second
)

// Sender submits sync intents. *dispatch.Dispatcher satisfies it.
type Sender interface {
	Submit(kind dispatch.Kind, payload any) *dispatch.Pending
}

// Config holds playback manager parameters.
type Config struct {
	DeviceID      string
	DebounceDelay time.Duration
	Expiry        time.Duration
	SweepInterval time.Duration
}

// UpdateOptions controls propagation of a local update. The zero value
// syncs to other devices, debounced, at normal priority.
type UpdateOptions struct {
	LocalOnly bool
	Immediate bool
	Priority  Priority
}

// EventKind names a playback event.
type EventKind string

const (
	EventUpdated          EventKind = "updated"
	EventRemoteApplied    EventKind = "remote_applied"
	EventConflictResolved EventKind = "conflict_resolved"
	EventSynced           EventKind = "synced"
	EventSyncError        EventKind = "sync_error"
	EventExpired          EventKind = "expired"
	EventPaused           EventKind = "paused"
)

// Event is published on every record change and propagation outcome.
type Event struct {
	Kind      EventKind
	MessageID string
	Record    Record
	Err       error
}

type entry struct {
	rec     Record
	touched time.Time
}

type remoteKey struct {
	messageID string
	deviceID  string
}

type debounce struct {
	timer *time.Timer
}

// Manager is the playback state manager. The record map, active set and
// remote index are owned by it and only mutated through its methods.
type Manager struct {
	cfg    Config
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	records    map[string]*entry
	active     map[string]struct{}
	lastRemote map[remoteKey]Record
	timers     map[string]*debounce
	closed     bool

	events events.Bus[Event]
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager and starts its expiration sweep.
func NewManager(cfg Config, sender Sender, logger *slog.Logger) *Manager {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = defaultDebounce
	}

	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}

	m := &Manager{
		cfg:        cfg,
		sender:     sender,
		logger:     logger.With(slog.String("component", "playback")),
		now:        time.Now,
		records:    make(map[string]*entry),
		active:     make(map[string]struct{}),
		lastRemote: make(map[remoteKey]Record),
		timers:     make(map[string]*debounce),
		stop:       make(chan struct{}),
	}

	m.wg.Add(1)

	go m.sweepLoop()

	return m
}

// Subscribe registers fn for playback events.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.events.Subscribe(fn)
}

// Update writes the local record immediately and propagates it per opts.
// A caller-supplied timestamp older than the stored one is raised to it;
// a zero timestamp means now.
func (m *Manager) Update(messageID string, st State, opts UpdateOptions) (Record, error) {
	if messageID == "" {
		return Record{}, &syncerrors.ValidationError{Field: "messageId", Reason: "must not be empty"}
	}

	priority := opts.Priority
	switch priority {
	case "":
		priority = PriorityNormal
	case PriorityNormal, PriorityHigh:
	default:
		return Record{}, &syncerrors.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", priority)}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, syncerrors.ErrClosed
	}

	rec := m.applyLocalLocked(messageID, st, priority, "")

	if !st.IsPlaying {
		delete(m.active, messageID)
	}

	switch {
	case opts.LocalOnly:
		// A pending debounce would carry the local-only state out.
		m.cancelDebounceLocked(messageID)
	case opts.Immediate || priority == PriorityHigh:
		m.cancelDebounceLocked(messageID)
	default:
		m.scheduleDebounceLocked(messageID)
	}
	m.mu.Unlock()

	m.events.Publish(Event{Kind: EventUpdated, MessageID: messageID, Record: rec})

	if !opts.LocalOnly && (opts.Immediate || priority == PriorityHigh) {
		m.send(rec)
	}

	return rec, nil
}

// SetActivePlayback pauses every other playing message with an
// immediate high-priority update, then marks messageID as the one
// actively playing and propagates it the same way.
func (m *Manager) SetActivePlayback(messageID string, st State) (Record, error) {
	if messageID == "" {
		return Record{}, &syncerrors.ValidationError{Field: "messageId", Reason: "must not be empty"}
	}

	for _, other := range m.activeIDs() {
		if other == messageID {
			continue
		}

		if err := m.pause(other); err != nil {
			return Record{}, err
		}
	}

	st.IsPlaying = true

	rec, err := m.Update(messageID, st, UpdateOptions{Immediate: true, Priority: PriorityHigh})
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	m.active[messageID] = struct{}{}
	m.mu.Unlock()

	return rec, nil
}

// PauseAllPlaybacks pauses every active message.
func (m *Manager) PauseAllPlaybacks() error {
	for _, id := range m.activeIDs() {
		if err := m.pause(id); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) pause(messageID string) error {
	m.mu.Lock()
	e, ok := m.records[messageID]
	if !ok {
		delete(m.active, messageID)
		m.mu.Unlock()

		return nil
	}

	st := e.rec.State
	m.mu.Unlock()

	st.IsPlaying = false
	st.Timestamp = 0

	rec, err := m.Update(messageID, st, UpdateOptions{Immediate: true, Priority: PriorityHigh})
	if err != nil {
		return fmt.Errorf("pausing %s: %w", messageID, err)
	}

	m.events.Publish(Event{Kind: EventPaused, MessageID: messageID, Record: rec})

	return nil
}

// Get returns the current record for messageID. A record past its
// expiration window is removed and reported absent.
func (m *Manager) Get(messageID string) (Record, bool) {
	m.mu.Lock()
	e, ok := m.records[messageID]
	if !ok {
		m.mu.Unlock()
		return Record{}, false
	}

	if m.expiredLocked(e) {
		m.removeLocked(messageID)
		m.mu.Unlock()
		m.events.Publish(Event{Kind: EventExpired, MessageID: messageID, Record: e.rec})

		return Record{}, false
	}

	rec := e.rec
	m.mu.Unlock()

	return rec, true
}

// ActivePlaybacks returns the records of actively playing messages,
// ordered by message id.
func (m *Manager) ActivePlaybacks() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.activeIDsLocked()
	out := make([]Record, 0, len(ids))

	for _, id := range ids {
		if e, ok := m.records[id]; ok {
			out = append(out, e.rec)
		}
	}

	return out
}

// RecordCount returns the number of held records.
func (m *Manager) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}

// HandleRemotePayload decodes a playback_state_sync payload and applies it.
func (m *Manager) HandleRemotePayload(raw json.RawMessage) error {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decoding playback record: %w", err)
	}

	if rec.MessageID == "" {
		return &syncerrors.ValidationError{Field: "messageId", Reason: "must not be empty"}
	}

	m.HandleRemote(rec)

	return nil
}

// HandleRemote applies a record received from another device. Records
// from the local device are ignored. Without a local record the remote
// one is accepted as-is; otherwise the conflict is resolved and the
// winner stored. It reports whether the record was applied.
func (m *Manager) HandleRemote(remote Record) (Record, bool) {
	if remote.DeviceID == m.cfg.DeviceID || remote.MessageID == "" {
		return Record{}, false
	}

	if remote.Priority == "" {
		remote.Priority = PriorityNormal
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, false
	}

	m.lastRemote[remoteKey{messageID: remote.MessageID, deviceID: remote.DeviceID}] = remote

	e, ok := m.records[remote.MessageID]
	if !ok || m.expiredLocked(e) {
		m.records[remote.MessageID] = &entry{rec: remote, touched: m.now()}
		m.mu.Unlock()

		m.logger.Debug("remote playback state applied",
			slog.String("message_id", remote.MessageID),
			slog.String("from", remote.DeviceID),
		)
		m.events.Publish(Event{Kind: EventRemoteApplied, MessageID: remote.MessageID, Record: remote})

		return remote, true
	}

	resolved := Resolve(e.rec, remote)
	e.rec = resolved
	e.touched = m.now()

	if resolved.Resolution.RemoteWon() {
		m.cancelDebounceLocked(remote.MessageID)

		if !resolved.State.IsPlaying {
			delete(m.active, remote.MessageID)
		}
	}
	m.mu.Unlock()

	m.logger.Debug("playback conflict resolved",
		slog.String("message_id", remote.MessageID),
		slog.String("resolution", string(resolved.Resolution)),
	)
	m.events.Publish(Event{Kind: EventConflictResolved, MessageID: remote.MessageID, Record: resolved})

	return resolved, true
}

// HandleDeviceSwitch re-propagates the current state of messageID at
// high priority so targetDeviceID can pick it up from the shared channel.
func (m *Manager) HandleDeviceSwitch(messageID, targetDeviceID string) (Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, syncerrors.ErrClosed
	}

	e, ok := m.records[messageID]
	if !ok || m.expiredLocked(e) {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("playback state for %s: %w", messageID, syncerrors.ErrNotFound)
	}

	st := e.rec.State
	st.Timestamp = 0
	rec := m.applyLocalLocked(messageID, st, PriorityHigh, targetDeviceID)
	m.cancelDebounceLocked(messageID)
	m.mu.Unlock()

	m.logger.Info("handing playback to device",
		slog.String("message_id", messageID),
		slog.String("target", targetDeviceID),
	)
	m.events.Publish(Event{Kind: EventUpdated, MessageID: messageID, Record: rec})
	m.send(rec)

	return rec, nil
}

// RestorePlaybackState adopts the last record received from fromDeviceID
// for messageID as the current local record. The stored timestamp never
// moves backwards.
func (m *Manager) RestorePlaybackState(messageID, fromDeviceID string) (Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, syncerrors.ErrClosed
	}

	remote, ok := m.lastRemote[remoteKey{messageID: messageID, deviceID: fromDeviceID}]
	if !ok || remote.DeviceID != fromDeviceID {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("playback state for %s from %s: %w", messageID, fromDeviceID, syncerrors.ErrNotFound)
	}

	rec := remote
	nowMs := m.now().UnixMilli()

	if e, exists := m.records[messageID]; exists {
		rec.State.Timestamp = max(rec.State.Timestamp, e.rec.State.Timestamp)
		rec.LastUpdated = max(nowMs, e.rec.LastUpdated)
	} else {
		rec.LastUpdated = nowMs
	}

	m.records[messageID] = &entry{rec: rec, touched: m.now()}
	m.mu.Unlock()

	m.events.Publish(Event{Kind: EventUpdated, MessageID: messageID, Record: rec})

	return rec, nil
}

// Close stops debounce timers and the sweep. Pending debounced sends
// are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true

	for id := range m.timers {
		m.cancelDebounceLocked(id)
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// applyLocalLocked stores a local-origin record. A timestamp not after
// the stored one is moved to one past it, so a local action taken after
// applying a record from a device with a faster clock still wins there.
func (m *Manager) applyLocalLocked(messageID string, st State, priority Priority, target string) Record {
	now := m.now()
	nowMs := now.UnixMilli()

	if st.Timestamp == 0 {
		st.Timestamp = nowMs
	}

	lastUpdated := nowMs

	if e, ok := m.records[messageID]; ok {
		if st.Timestamp <= e.rec.State.Timestamp {
			st.Timestamp = e.rec.State.Timestamp + 1
		}

		lastUpdated = max(lastUpdated, e.rec.LastUpdated)
	}

	rec := Record{
		MessageID:      messageID,
		DeviceID:       m.cfg.DeviceID,
		State:          st,
		Priority:       priority,
		LastUpdated:    lastUpdated,
		TargetDeviceID: target,
	}
	m.records[messageID] = &entry{rec: rec, touched: now}

	return rec
}

func (m *Manager) scheduleDebounceLocked(messageID string) {
	m.cancelDebounceLocked(messageID)

	d := &debounce{}
	d.timer = time.AfterFunc(m.cfg.DebounceDelay, func() { m.fireDebounce(messageID, d) })
	m.timers[messageID] = d
}

func (m *Manager) cancelDebounceLocked(messageID string) {
	if d, ok := m.timers[messageID]; ok {
		d.timer.Stop()
		delete(m.timers, messageID)
	}
}

// fireDebounce sends the latest record for messageID, unless d was
// replaced or cancelled after its timer fired.
func (m *Manager) fireDebounce(messageID string, d *debounce) {
	m.mu.Lock()
	if m.timers[messageID] != d {
		m.mu.Unlock()
		return
	}

	delete(m.timers, messageID)

	e, ok := m.records[messageID]
	if !ok || e.rec.DeviceID != m.cfg.DeviceID {
		m.mu.Unlock()
		return
	}

	rec := e.rec
	m.mu.Unlock()

	m.send(rec)
}

// send submits rec on the caller's goroutine and reports the outcome
// asynchronously. Failures never touch local state.
func (m *Manager) send(rec Record) {
	p := m.sender.Submit(dispatch.KindPlaybackState, rec)

	go func() {
		res, err := p.Wait(context.Background())
		if err != nil {
			m.logger.Warn("playback sync failed",
				slog.String("message_id", rec.MessageID),
				slog.String("error", err.Error()),
			)
			m.events.Publish(Event{Kind: EventSyncError, MessageID: rec.MessageID, Record: rec, Err: err})

			return
		}

		m.logger.Debug("playback synced",
			slog.String("message_id", rec.MessageID),
			slog.String("status", string(res.Status)),
		)
		m.events.Publish(Event{Kind: EventSynced, MessageID: rec.MessageID, Record: rec})
	}()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()

	var expired []Record

	for id, e := range m.records {
		if m.expiredLocked(e) {
			expired = append(expired, e.rec)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(expired, func(a, b Record) int {
		return strings.Compare(a.MessageID, b.MessageID)
	})

	for _, rec := range expired {
		m.events.Publish(Event{Kind: EventExpired, MessageID: rec.MessageID, Record: rec})
	}

	if len(expired) > 0 {
		m.logger.Debug("expired playback records swept", slog.Int("count", len(expired)))
	}
}

func (m *Manager) expiredLocked(e *entry) bool {
	return m.now().Sub(e.touched) > m.cfg.Expiry
}

func (m *Manager) removeLocked(messageID string) {
	delete(m.records, messageID)
	delete(m.active, messageID)
	m.cancelDebounceLocked(messageID)

	for k := range m.lastRemote {
		if k.messageID == messageID {
			delete(m.lastRemote, k)
		}
	}
}

func (m *Manager) activeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeIDsLocked()
}

func (m *Manager) activeIDsLocked() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
