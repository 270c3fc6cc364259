package playback

// Priority orders otherwise-equal updates during conflict resolution.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	if p == PriorityHigh {
		return 1
	}

	return 0
}

// Resolution tags how a conflict between a local and a remote record
// was decided.
type Resolution string

const (
	ResolutionRemoteNewer    Resolution = "remote_newer"
	ResolutionLocalNewer     Resolution = "local_newer"
	ResolutionRemotePriority Resolution = "remote_priority"
	ResolutionLocalPriority  Resolution = "local_priority"
	ResolutionTieLocal       Resolution = "tie_local"
)

// RemoteWon reports whether the resolution selected the remote record.
func (r Resolution) RemoteWon() bool {
	return r == ResolutionRemoteNewer || r == ResolutionRemotePriority
}

// State is the playback position of one voice message. Timestamp is in
// unix milliseconds.
type State struct {
	IsPlaying    bool    `json:"isPlaying"`
	CurrentTime  float64 `json:"currentTime"`
	Volume       float64 `json:"volume"`
	PlaybackRate float64 `json:"playbackRate"`
	Timestamp    int64   `json:"timestamp"`
}

// Record is the current view of one message's playback state, possibly
// of remote origin. It is also the payload of playback_state sync
// requests and playback_state_sync broadcasts.
type Record struct {
	MessageID        string     `json:"messageId"`
	DeviceID         string     `json:"deviceId"`
	State            State      `json:"playbackState"`
	Priority         Priority   `json:"priority"`
	LastUpdated      int64      `json:"lastUpdated"`
	ConflictResolved bool       `json:"conflictResolved,omitempty"`
	Resolution       Resolution `json:"resolution,omitempty"`
	TargetDeviceID   string     `json:"targetDeviceId,omitempty"`
}

func (r Record) timestamp() int64 {
	if r.State.Timestamp != 0 {
		return r.State.Timestamp
	}

	return r.LastUpdated
}

// Resolve picks the winner between a local and a remote record for the
// same message. The higher timestamp wins; on equal timestamps high
// priority beats normal; a full tie keeps the local record. The loser is
// discarded whole. The result is deterministic in its inputs, and
// LastUpdated never drops below either side's value.
func Resolve(local, remote Record) Record {
	lt, rt := local.timestamp(), remote.timestamp()

	var (
		winner Record
		tag    Resolution
	)

	switch {
	case rt > lt:
		winner, tag = remote, ResolutionRemoteNewer
	case lt > rt:
		winner, tag = local, ResolutionLocalNewer
	case remote.Priority.rank() > local.Priority.rank():
		winner, tag = remote, ResolutionRemotePriority
	case local.Priority.rank() > remote.Priority.rank():
		winner, tag = local, ResolutionLocalPriority
	default:
		winner, tag = local, ResolutionTieLocal
	}

	winner.ConflictResolved = true
	winner.Resolution = tag
	winner.LastUpdated = max(local.LastUpdated, remote.LastUpdated)

	return winner
}
