package syncsvc

import (
	"github.com/alexjbarnes/device-sync/internal/dispatch"
	syncerrors "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/playback"
	"github.com/alexjbarnes/device-sync/internal/realtime"
)

// Inbound broadcast events relayed from the user's other devices.
const (
	EventVoiceMessageSync  = "voice_message_sync"
	EventPlaybackStateSync = "playback_state_sync"
	EventMessageSync       = "message_sync"
	EventDeviceSync        = "device_sync"
	EventReadStatusSync    = "read_status_sync"
)

// VoiceMessage is the voice_message sync payload. The audio itself
// travels by URL.
type VoiceMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId,omitempty"`
	URL            string    `json:"url"`
	Duration       float64   `json:"duration,omitempty"`
	Waveform       []float64 `json:"waveform,omitempty"`
	CreatedAt      int64     `json:"createdAt,omitempty"`
	DeviceID       string    `json:"deviceId"`
}

func (v VoiceMessage) validate() error {
	switch {
	case v.ID == "":
		return &syncerrors.ValidationError{Field: "id", Reason: "voice message id is required"}
	case v.ConversationID == "":
		return &syncerrors.ValidationError{Field: "conversationId", Reason: "voice message conversation is required"}
	case v.URL == "":
		return &syncerrors.ValidationError{Field: "url", Reason: "voice message url is required"}
	}

	return nil
}

// Message is the message sync payload.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Content        string `json:"content,omitempty"`
	Type           string `json:"type,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
	DeviceID       string `json:"deviceId"`
}

func (m Message) validate() error {
	switch {
	case m.ID == "":
		return &syncerrors.ValidationError{Field: "id", Reason: "message id is required"}
	case m.ConversationID == "":
		return &syncerrors.ValidationError{Field: "conversationId", Reason: "message conversation is required"}
	}

	return nil
}

// ReadStatus is the read_status sync payload. Timestamp is unix
// milliseconds.
type ReadStatus struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
}

func (r ReadStatus) validate() error {
	switch {
	case r.MessageID == "":
		return &syncerrors.ValidationError{Field: "messageId", Reason: "read status message id is required"}
	case r.UserID == "":
		return &syncerrors.ValidationError{Field: "userId", Reason: "read status user id is required"}
	}

	return nil
}

// DeviceNotice is the device_sync broadcast. A notice naming this
// device as target with a message id hands that message's playback over.
type DeviceNotice struct {
	DeviceID       string `json:"deviceId"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Action         string `json:"action,omitempty"`
}

// Stats summarises the sync core for observability.
type Stats struct {
	DeviceID        string                   `json:"deviceId" yaml:"device_id"`
	Connected       bool                     `json:"connected" yaml:"connected"`
	Queued          int                      `json:"queued" yaml:"queued"`
	InFlight        int                      `json:"inFlight" yaml:"in_flight"`
	ActivePlaybacks int                      `json:"activePlaybacks" yaml:"active_playbacks"`
	Records         int                      `json:"records" yaml:"records"`
	Connection      realtime.ConnectionState `json:"connection" yaml:"connection"`
}

// EventKind names the source of a facade event.
type EventKind string

const (
	EventConnection   EventKind = "connection"
	EventDispatch     EventKind = "dispatch"
	EventPlayback     EventKind = "playback"
	EventVoiceMessage EventKind = "voice_message"
	EventMessage      EventKind = "message"
	EventDevice       EventKind = "device"
	EventReadStatus   EventKind = "read_status"
)

// Event re-publishes component events and inbound broadcasts. Exactly
// one of the pointer fields matching Kind is set.
type Event struct {
	Kind         EventKind
	Lifecycle    *realtime.LifecycleEvent
	Dispatch     *dispatch.Event
	Playback     *playback.Event
	VoiceMessage *VoiceMessage
	Message      *Message
	Device       *DeviceNotice
	ReadStatus   *ReadStatus
}
