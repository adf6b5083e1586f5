package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies console failures surfaced to the presentation layer.
type ErrorKind string

const (
	// ErrResourceInvalid: a track's bytes could not be opened or decoded even after regeneration.
	ErrResourceInvalid ErrorKind = "resource_invalid"
	// ErrPlaybackStartDenied: the audio output refused to start until a user gesture arms it.
	ErrPlaybackStartDenied ErrorKind = "playback_start_denied"
	// ErrDeviceUnavailable: a selected device disappeared or permission was denied.
	ErrDeviceUnavailable ErrorKind = "device_unavailable"
	// ErrNetworkSession: the relay connection failed.
	ErrNetworkSession ErrorKind = "network_session_error"
	// ErrLibraryEmpty: there is nothing to play.
	ErrLibraryEmpty ErrorKind = "library_empty"
)

// ConsoleError carries an ErrorKind alongside the underlying cause.
type ConsoleError struct {
	Kind        ErrorKind `json:"kind"`
	TrackID     string    `json:"trackId,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Err         error     `json:"-"`
}

func (e *ConsoleError) Error() string {
	if e.TrackID != "" {
		return fmt.Sprintf("%s (track %s): %v", e.Kind, e.TrackID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConsoleError) Unwrap() error {
	return e.Err
}

// Message is the human readable cause for error events.
func (e *ConsoleError) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// NewConsoleError wraps err under kind.
func NewConsoleError(kind ErrorKind, trackID string, recoverable bool, err error) *ConsoleError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &ConsoleError{Kind: kind, TrackID: trackID, Recoverable: recoverable, Err: err}
}

// IsKind reports whether any ConsoleError in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConsoleError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first ConsoleError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ce *ConsoleError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
