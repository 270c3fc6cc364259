// Package realtime owns the duplex channel to the sync relay: connect,
// authenticate, heartbeat, exponential-backoff reconnection, and
// online/offline and visibility driven pause/resume.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/events"
	"github.com/alexjbarnes/device-sync/internal/platform"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultReconnectBaseDelay = time.Second
	defaultMaxReconnects      = 5

	// maxBackoffShift caps the exponent so base<<attempt cannot overflow
	// time.Duration for large attempt caps.
	maxBackoffShift = 16

	reasonClientDisconnect = "client disconnect"
)

// LifecycleKind names a connection lifecycle transition.
type LifecycleKind string

const (
	Connected    LifecycleKind = "connected"
	Disconnected LifecycleKind = "disconnected"
	Error        LifecycleKind = "error"
	Offline      LifecycleKind = "offline"
	Online       LifecycleKind = "online"
	Paused       LifecycleKind = "paused"
	Resumed      LifecycleKind = "resumed"
	Reconnecting LifecycleKind = "reconnecting"
)

// LifecycleEvent is published on every connection transition. Reason is
// set for Disconnected, Err for Error, Attempt and Delay for Reconnecting.
type LifecycleEvent struct {
	Kind    LifecycleKind
	Reason  string
	Err     error
	Attempt int
	Delay   time.Duration
}

// ConnectionState is a snapshot of the manager's state.
type ConnectionState struct {
	IsConnected       bool   `json:"isConnected" yaml:"is_connected"`
	IsConnecting      bool   `json:"isConnecting" yaml:"is_connecting"`
	DeviceID          string `json:"deviceId" yaml:"device_id"`
	UserID            string `json:"userId" yaml:"user_id"`
	ReconnectAttempts int    `json:"reconnectAttempts" yaml:"reconnect_attempts"`
	Error             string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Config holds the parameters for a Manager. Zero durations fall back
// to package defaults. Network and Visibility are optional.
type Config struct {
	URL                  string
	DeviceID             string
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	Network              platform.Network
	Visibility           platform.Visibility
}

// Manager is the connection manager. A reader goroutine per connection
// routes inbound frames to handlers registered with On; a heartbeat
// goroutine per connection emits heartbeats. Reconnection is scheduled
// with time.AfterFunc after an unexpected disconnect.
//
// Lifecycle subscribers and event handlers run on manager goroutines and
// must not call Close.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu             sync.Mutex
	conn           wsConn
	connCancel     context.CancelFunc
	gen            uint64
	connected      bool
	connecting     bool
	hidden         bool
	explicit       bool
	closed         bool
	userID         string
	token          string
	attempts       int
	lastErr        error
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	nextHandlerID int
	handlers      map[string][]handlerEntry

	lifecycle events.Bus[LifecycleEvent]
	unsubs    []func()
	wg        sync.WaitGroup
}

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

// NewManager creates a Manager and subscribes it to the platform signals
// in cfg. Call Close to release it.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}

	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "realtime")),
		dial:     dialWebsocket,
		handlers: make(map[string][]handlerEntry),
	}

	if cfg.Network != nil {
		m.unsubs = append(m.unsubs, cfg.Network.SubscribeOnline(m.handleOnline))
	}

	if cfg.Visibility != nil {
		m.hidden = !cfg.Visibility.Visible()
		m.unsubs = append(m.unsubs, cfg.Visibility.SubscribeVisible(m.handleVisible))
	}

	return m
}

// Connect opens the channel and authenticates. If already connected it
// sends an explicit re-authentication frame on the existing channel
// instead of reopening it. A failed first connect schedules backoff
// reconnection unless the relay rejected the credential.
func (m *Manager) Connect(ctx context.Context, userID, token string) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return syncerrors.ErrClosed
	}

	if m.connecting {
		m.mu.Unlock()
		return syncerrors.ErrConnectInProgress
	}

	m.userID = userID
	m.token = token
	m.explicit = false

	if m.connected {
		conn := m.conn
		m.mu.Unlock()

		m.logger.Debug("already connected, re-authenticating")

		if err := m.writeFrame(ctx, conn, EventAuthenticate, m.handshake(userID, token)); err != nil {
			return &syncerrors.ConnectionError{Op: "reauthenticate", Err: err}
		}

		return nil
	}

	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	return m.open(ctx)
}

// Disconnect closes the channel, cancels any scheduled reconnection, and
// resets the session. It does not trigger reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.stopReconnectTimerLocked()

	conn := m.conn
	cancel := m.connCancel
	wasConnected := m.connected

	m.conn = nil
	m.connCancel = nil
	m.connected = false
	m.attempts = 0
	m.userID = ""
	m.token = ""
	m.lastErr = nil
	m.gen++
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reasonClientDisconnect)
	}

	if wasConnected {
		m.logger.Info("disconnected", slog.String("reason", reasonClientDisconnect))
		m.lifecycle.Publish(LifecycleEvent{Kind: Disconnected, Reason: reasonClientDisconnect})
	}
}

// Reconnect drops the current channel and connects again with the last
// credentials, resetting the backoff counter.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	userID, token := m.userID, m.token
	m.mu.Unlock()

	if userID == "" {
		return fmt.Errorf("reconnect: %w", syncerrors.ErrNotConnected)
	}

	m.Disconnect()

	return m.Connect(ctx, userID, token)
}

// Close disconnects, detaches from platform signals, and waits for the
// manager's goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	m.Disconnect()
	m.wg.Wait()
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ConnectionState{
		IsConnected:       m.connected,
		IsConnecting:      m.connecting,
		DeviceID:          m.cfg.DeviceID,
		UserID:            m.userID,
		ReconnectAttempts: m.attempts,
	}

	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}

	return st
}

// Connected reports whether the channel is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// Available reports whether outbound sync should flush now: the channel
// is live and the host is visible.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected && !m.hidden
}

// DeviceID returns the local device identifier.
func (m *Manager) DeviceID() string {
	return m.cfg.DeviceID
}

// Emit writes a named event on the live channel.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return syncerrors.ErrNotConnected
	}

	if err := m.writeFrame(ctx, conn, event, data); err != nil {
		return &syncerrors.ConnectionError{Op: "write", Err: err}
	}

	return nil
}

// On registers fn for inbound frames named event and returns a function
// that removes it.
func (m *Manager) On(event string, fn func(json.RawMessage)) (cancel func()) {
	m.handlersMu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	m.handlersMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()

			entries := m.handlers[event]
			for i, e := range entries {
				if e.id == id {
					m.handlers[event] = append(entries[:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribe registers fn for lifecycle events.
func (m *Manager) Subscribe(fn func(LifecycleEvent)) (cancel func()) {
	return m.lifecycle.Subscribe(fn)
}

func (m *Manager) handshake(userID, token string) Handshake {
	return Handshake{DeviceID: m.cfg.DeviceID, UserID: userID, Token: token}
}

// open dials and authenticates a fresh channel. On success it starts the
// reader and heartbeat goroutines. On a recoverable failure it schedules
// the next reconnect attempt.
func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.connected {
		m.mu.Unlock()
		return nil
	}

	m.connecting = true
	userID, token := m.userID, m.token
	m.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialAndAuthenticate(hctx, userID, token)

	m.mu.Lock()
	m.connecting = false

	if err != nil {
		m.lastErr = err
		abandoned := m.explicit || m.closed
		m.mu.Unlock()

		m.logger.Warn("connect failed", slog.String("error", err.Error()))
		m.lifecycle.Publish(LifecycleEvent{Kind: Error, Err: err})

		if !abandoned && !errors.Is(err, syncerrors.ErrAuthRejected) {
			m.scheduleReconnect()
		}

		return err
	}

	if m.explicit || m.closed {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, reasonClientDisconnect)

		return syncerrors.ErrNotConnected
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.gen++
	gen := m.gen
	m.conn = conn
	m.connCancel = connCancel
	m.connected = true
	m.attempts = 0
	m.lastErr = nil

	m.wg.Add(2)
	m.mu.Unlock()

	go m.readLoop(connCtx, conn, gen)
	go m.heartbeatLoop(connCtx, conn)

	m.logger.Info("connected", slog.String("device_id", m.cfg.DeviceID), slog.String("user_id", userID))
	m.lifecycle.Publish(LifecycleEvent{Kind: Connected})

	return nil
}

// dialAndAuthenticate dials the relay, sends the handshake frame, and
// waits for the relay's verdict. Frames other than the verdict are
// ignored until it arrives.
func (m *Manager) dialAndAuthenticate(ctx context.Context, userID, token string) (wsConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := m.dial(ctx, m.cfg.URL, header)
	if err != nil {
		return nil, &syncerrors.ConnectionError{Op: "dial", Err: err}
	}

	if err := m.writeFrame(ctx, conn, EventAuthenticate, m.handshake(userID, token)); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, &syncerrors.ConnectionError{Op: "handshake", Err: err}
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake read failed")
			return nil, &syncerrors.ConnectionError{Op: "handshake", Err: err}
		}

		if typ != websocket.MessageText {
			continue
		}

		switch gjson.GetBytes(data, "event").Str {
		case EventAuthenticated:
			return conn, nil

		case EventAuthError:
			var ae authError
			_ = json.Unmarshal([]byte(gjson.GetBytes(data, "data").Raw), &ae)

			conn.Close(websocket.StatusNormalClosure, "auth failed")

			if ae.Error == "" {
				ae.Error = "no reason given"
			}

			return nil, fmt.Errorf("%w: %s", syncerrors.ErrAuthRejected, ae.Error)

		default:
			m.logger.Debug("frame before authentication ignored", slog.Int("bytes", len(data)))
		}
	}
}

// readLoop reads frames for one connection generation and routes them
// to registered handlers. A read error ends the connection.
func (m *Manager) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	defer m.wg.Done()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.handleConnectionLost(gen, err)
			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.route(data)
	}
}

func (m *Manager) route(data []byte) {
	event := gjson.GetBytes(data, "event").Str
	if event == "" {
		m.logger.Debug("frame without event name", slog.Int("bytes", len(data)))
		return
	}

	payload := json.RawMessage(gjson.GetBytes(data, "data").Raw)

	m.handlersMu.RLock()
	entries := make([]handlerEntry, len(m.handlers[event]))
	copy(entries, m.handlers[event])
	m.handlersMu.RUnlock()

	if len(entries) == 0 {
		m.logger.Debug("no handler for event", slog.String("event", event))
		return
	}

	for _, e := range entries {
		e.fn(payload)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn wsConn) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := Heartbeat{DeviceID: m.cfg.DeviceID, Timestamp: time.Now().UnixMilli()}
			if err := m.writeFrame(ctx, conn, EventHeartbeat, hb); err != nil {
				m.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleConnectionLost tears down the connection of generation gen after
// a read error. Stale generations and explicit disconnects are ignored.
func (m *Manager) handleConnectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || !m.connected {
		m.mu.Unlock()
		return
	}

	conn := m.conn
	cancel := m.connCancel
	m.conn = nil
	m.connCancel = nil
	m.connected = false
	m.lastErr = &syncerrors.ConnectionError{Op: "read", Err: cause}
	m.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusGoingAway, "connection lost")

	reason := cause.Error()
	m.logger.Warn("connection lost", slog.String("reason", reason))
	m.lifecycle.Publish(LifecycleEvent{Kind: Disconnected, Reason: reason})

	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer with delay base*2^attempt.
// It does nothing while offline, after an explicit disconnect, or when a
// timer is already armed. Exhausting the attempt cap publishes an Error
// and leaves the manager disconnected.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()

	if m.closed || m.explicit || m.connected || m.connecting || m.reconnectTimer != nil || m.userID == "" {
		m.mu.Unlock()
		return
	}

	if m.cfg.Network != nil && !m.cfg.Network.Online() {
		m.mu.Unlock()
		m.logger.Debug("offline, reconnect deferred until online")

		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.lastErr = syncerrors.ErrReconnectExhausted
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Warn("giving up reconnecting", slog.Int("attempts", attempts))
		m.lifecycle.Publish(LifecycleEvent{Kind: Error, Err: syncerrors.ErrReconnectExhausted, Attempt: attempts})

		return
	}

	delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.attempts)
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectNow)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	m.lifecycle.Publish(LifecycleEvent{Kind: Reconnecting, Attempt: attempt, Delay: delay})
}

// reconnectNow is the reconnect timer callback and the online handler's
// immediate attempt.
func (m *Manager) reconnectNow() {
	m.mu.Lock()
	m.reconnectTimer = nil

	if m.closed || m.explicit || m.connected || m.userID == "" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.open(context.Background()); err != nil {
		m.logger.Debug("reconnect attempt failed", slog.String("error", err.Error()))
		return
	}

	m.logger.Info("reconnected")
}

func (m *Manager) handleOnline(online bool) {
	if !online {
		m.mu.Lock()
		m.stopReconnectTimerLocked()
		m.mu.Unlock()

		m.logger.Info("network offline")
		m.lifecycle.Publish(LifecycleEvent{Kind: Offline})

		return
	}

	m.mu.Lock()
	m.stopReconnectTimerLocked()
	retry := !m.closed && !m.explicit && !m.connected && !m.connecting && m.userID != ""

	if retry {
		m.attempts = 0
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.logger.Info("network online", slog.Bool("reconnecting", retry))
	m.lifecycle.Publish(LifecycleEvent{Kind: Online})

	if retry {
		go func() {
			defer m.wg.Done()
			m.reconnectNow()
		}()
	}
}

func (m *Manager) handleVisible(visible bool) {
	m.mu.Lock()
	m.hidden = !visible
	m.mu.Unlock()

	if visible {
		m.logger.Debug("visible, resuming sync flush")
		m.lifecycle.Publish(LifecycleEvent{Kind: Resumed})

		return
	}

	m.logger.Debug("hidden, pausing sync flush")
	m.lifecycle.Publish(LifecycleEvent{Kind: Paused})
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) writeFrame(ctx context.Context, conn wsConn, event string, data any) error {
	b, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, b)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := min(attempt, maxBackoffShift)

	return base * time.Duration(1<<shift)
}
