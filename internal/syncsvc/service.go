// Package syncsvc is the consumer facade of the sync core. It wires the
// connection manager, dispatcher and playback manager for one device
// and re-publishes their events on a single bus.
package syncsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/alexjbarnes/device-sync/internal/events"
	"github.com/alexjbarnes/device-sync/internal/playback"
	"github.com/alexjbarnes/device-sync/internal/realtime"
)

// Transport is the connection manager as seen by the facade.
// *realtime.Manager satisfies it.
type Transport interface {
	dispatch.Transport
	Connect(ctx context.Context, userID, token string) error
	Disconnect()
	Reconnect(ctx context.Context) error
	Status() realtime.ConnectionState
	Subscribe(fn func(realtime.LifecycleEvent)) (cancel func())
	Close()
}

// Options configures the components built by New. DeviceID overrides
// the device id in the nested configs.
type Options struct {
	DeviceID string
	Dispatch dispatch.Config
	Playback playback.Config
}

// Service is the consumer facade.
type Service struct {
	deviceID  string
	transport Transport
	dispatch  *dispatch.Dispatcher
	playback  *playback.Manager
	logger    *slog.Logger
	now       func() time.Time

	events events.Bus[Event]

	mu     sync.Mutex
	closed bool
	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the dispatcher and playback manager over transport and
// registers the inbound broadcast handlers. The Service owns transport
// and closes it in Close.
func New(transport Transport, opts Options, logger *slog.Logger) *Service {
	opts.Dispatch.DeviceID = opts.DeviceID
	opts.Playback.DeviceID = opts.DeviceID

	logger = logger.With(slog.String("device_id", opts.DeviceID))
	d := dispatch.New(transport, opts.Dispatch, logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		deviceID:  opts.DeviceID,
		transport: transport,
		dispatch:  d,
		playback:  playback.NewManager(opts.Playback, d, logger),
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.unsubs = append(s.unsubs,
		transport.Subscribe(s.handleLifecycle),
		d.Subscribe(func(e dispatch.Event) {
			s.events.Publish(Event{Kind: EventDispatch, Dispatch: &e})
		}),
		s.playback.Subscribe(func(e playback.Event) {
			s.events.Publish(Event{Kind: EventPlayback, Playback: &e})
		}),
		d.OnBroadcast(EventPlaybackStateSync, s.handlePlaybackState),
		d.OnBroadcast(EventVoiceMessageSync, s.handleVoiceMessage),
		d.OnBroadcast(EventMessageSync, s.handleMessage),
		d.OnBroadcast(EventDeviceSync, s.handleDeviceNotice),
		d.OnBroadcast(EventReadStatusSync, s.handleReadStatus),
	)

	return s
}

// DeviceID returns the local device id.
func (s *Service) DeviceID() string { return s.deviceID }

// Subscribe registers fn for facade events. fn runs on component
// goroutines and must not block.
func (s *Service) Subscribe(fn func(Event)) (cancel func()) {
	return s.events.Subscribe(fn)
}

// Connect opens the channel, or re-authenticates an open one.
func (s *Service) Connect(ctx context.Context, userID, token string) error {
	return s.transport.Connect(ctx, userID, token)
}

// Disconnect closes the channel without scheduling a reconnect.
func (s *Service) Disconnect() { s.transport.Disconnect() }

// Reconnect drops and reopens the channel with the last credentials.
func (s *Service) Reconnect(ctx context.Context) error {
	return s.transport.Reconnect(ctx)
}

// SyncVoiceMessage relays a voice message to the user's other devices.
func (s *Service) SyncVoiceMessage(ctx context.Context, msg VoiceMessage) (dispatch.Result, error) {
	if err := msg.validate(); err != nil {
		return dispatch.Result{}, err
	}

	msg.DeviceID = s.deviceID

	return s.dispatch.Send(ctx, dispatch.KindVoiceMessage, msg)
}

// SyncMessage relays a chat message to the user's other devices.
func (s *Service) SyncMessage(ctx context.Context, msg Message) (dispatch.Result, error) {
	if err := msg.validate(); err != nil {
		return dispatch.Result{}, err
	}

	msg.DeviceID = s.deviceID

	return s.dispatch.Send(ctx, dispatch.KindMessage, msg)
}

// SyncReadStatus relays that userID read messageID at ts. A zero ts
// means now.
func (s *Service) SyncReadStatus(ctx context.Context, messageID, userID string, ts time.Time) (dispatch.Result, error) {
	if ts.IsZero() {
		ts = s.now()
	}

	rs := ReadStatus{MessageID: messageID, UserID: userID, Timestamp: ts.UnixMilli(), DeviceID: s.deviceID}
	if err := rs.validate(); err != nil {
		return dispatch.Result{}, err
	}

	return s.dispatch.Send(ctx, dispatch.KindReadStatus, rs)
}

// UpdatePlaybackState writes local playback state and propagates it.
func (s *Service) UpdatePlaybackState(messageID string, st playback.State, opts playback.UpdateOptions) (playback.Record, error) {
	return s.playback.Update(messageID, st, opts)
}

// SetActivePlayback makes messageID the only locally playing message.
func (s *Service) SetActivePlayback(messageID string, st playback.State) (playback.Record, error) {
	return s.playback.SetActivePlayback(messageID, st)
}

// GetPlaybackState returns the live record for messageID.
func (s *Service) GetPlaybackState(messageID string) (playback.Record, bool) {
	return s.playback.Get(messageID)
}

// GetActivePlaybacks returns the actively playing records.
func (s *Service) GetActivePlaybacks() []playback.Record {
	return s.playback.ActivePlaybacks()
}

// PauseAllPlaybacks pauses every active message.
func (s *Service) PauseAllPlaybacks() error {
	return s.playback.PauseAllPlaybacks()
}

// HandleDeviceSwitch re-propagates messageID for targetDeviceID.
func (s *Service) HandleDeviceSwitch(messageID, targetDeviceID string) (playback.Record, error) {
	return s.playback.HandleDeviceSwitch(messageID, targetDeviceID)
}

// RestorePlaybackState adopts the last record received from fromDeviceID.
func (s *Service) RestorePlaybackState(messageID, fromDeviceID string) (playback.Record, error) {
	return s.playback.RestorePlaybackState(messageID, fromDeviceID)
}

// GetSyncStats returns queue, playback and connection counters.
func (s *Service) GetSyncStats() Stats {
	status := s.transport.Status()

	return Stats{
		DeviceID:        s.deviceID,
		Connected:       status.IsConnected,
		Queued:          s.dispatch.QueueLen(),
		InFlight:        s.dispatch.InFlight(),
		ActivePlaybacks: len(s.playback.ActivePlaybacks()),
		Records:         s.playback.RecordCount(),
		Connection:      status,
	}
}

// Close tears down every component and the transport.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	s.cancel()
	s.wg.Wait()

	s.playback.Close()
	s.dispatch.Close()
	s.transport.Close()
}

// handleLifecycle drains the queue whenever flushing may resume and
// re-publishes the transition.
func (s *Service) handleLifecycle(e realtime.LifecycleEvent) {
	switch e.Kind {
	case realtime.Connected, realtime.Resumed:
		s.flush()
	case realtime.Error:
		s.logger.Warn("connection error", slog.Any("error", e.Err))
	}

	s.events.Publish(Event{Kind: EventConnection, Lifecycle: &e})
}

func (s *Service) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.dispatch.Flush(s.ctx)
	}()
}

func (s *Service) handlePlaybackState(raw json.RawMessage) {
	if err := s.playback.HandleRemotePayload(raw); err != nil {
		s.logger.Warn("discarding playback broadcast", slog.String("error", err.Error()))
	}
}

func (s *Service) handleVoiceMessage(raw json.RawMessage) {
	var msg VoiceMessage
	if err := decodeBroadcast(raw, &msg); err != nil {
		s.logger.Warn("discarding voice message broadcast", slog.String("error", err.Error()))
		return
	}

	if err := msg.validate(); err != nil {
		s.logger.Warn("discarding voice message broadcast", slog.String("error", err.Error()))
		return
	}

	s.events.Publish(Event{Kind: EventVoiceMessage, VoiceMessage: &msg})
}

func (s *Service) handleMessage(raw json.RawMessage) {
	var msg Message
	if err := decodeBroadcast(raw, &msg); err != nil {
		s.logger.Warn("discarding message broadcast", slog.String("error", err.Error()))
		return
	}

	if err := msg.validate(); err != nil {
		s.logger.Warn("discarding message broadcast", slog.String("error", err.Error()))
		return
	}

	s.events.Publish(Event{Kind: EventMessage, Message: &msg})
}

func (s *Service) handleReadStatus(raw json.RawMessage) {
	var rs ReadStatus
	if err := decodeBroadcast(raw, &rs); err != nil {
		s.logger.Warn("discarding read status broadcast", slog.String("error", err.Error()))
		return
	}

	if err := rs.validate(); err != nil {
		s.logger.Warn("discarding read status broadcast", slog.String("error", err.Error()))
		return
	}

	s.events.Publish(Event{Kind: EventReadStatus, ReadStatus: &rs})
}

func (s *Service) handleDeviceNotice(raw json.RawMessage) {
	var notice DeviceNotice
	if err := decodeBroadcast(raw, &notice); err != nil {
		s.logger.Warn("discarding device broadcast", slog.String("error", err.Error()))
		return
	}

	if notice.TargetDeviceID == s.deviceID && notice.MessageID != "" {
		if _, err := s.playback.RestorePlaybackState(notice.MessageID, notice.DeviceID); err != nil {
			s.logger.Debug("no playback state to take over",
				slog.String("message_id", notice.MessageID),
				slog.String("from", notice.DeviceID),
			)
		}
	}

	s.events.Publish(Event{Kind: EventDevice, Device: &notice})
}

func decodeBroadcast(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding broadcast: %w", err)
	}

	return nil
}
