package errors

import (
	"errors"
	"fmt"
	"time"
)

// Connection errors.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrClosed             = errors.New("closed")
	ErrConnectInProgress  = errors.New("connect already in progress")
)

// Lookup errors.
var (
	ErrNotFound = errors.New("not found")
)

// ConnectionError is a dial, handshake or transport failure. The
// connection manager recovers from these with backoff reconnection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SyncTimeoutError reports that no acknowledgment arrived for a sync
// request within the deadline. The request is not retried.
type SyncTimeoutError struct {
	SyncID string
	Kind   string
	After  time.Duration
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("sync %s (%s) timed out after %s", e.SyncID, e.Kind, e.After)
}

// ServerSyncError is an explicit rejection reported by the relay.
type ServerSyncError struct {
	SyncID string
	Reason string
}

func (e *ServerSyncError) Error() string {
	return fmt.Sprintf("sync %s rejected by server: %s", e.SyncID, e.Reason)
}

// ValidationError rejects a malformed local intent before transmission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsTimeout reports whether err is or wraps a SyncTimeoutError.
func IsTimeout(err error) bool {
	var te *SyncTimeoutError
	return errors.As(err, &te)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
