package tts

import (
	"errors"
	"fmt"
)

// Common TTS errors
var (
	// ErrNoAudio indicates the backend answered without any audio
	ErrNoAudio = errors.New("no audio data received")

	// ErrEmptyText indicates there was nothing to speak
	ErrEmptyText = errors.New("nothing to speak")
)

// ErrorCode identifies which step of speaking a message failed.
type ErrorCode string

const (
	ErrorCodeSynthesis ErrorCode = "SYNTHESIS"
	ErrorCodePlayback  ErrorCode = "PLAYBACK"
	ErrorCodeNoAudio   ErrorCode = "NO_AUDIO"
)

// Error is a failure to speak one message. It names the message so the
// failure can be shown next to it.
type Error struct {
	Code      ErrorCode
	MessageID string
	Cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: message %s: %v", e.Code, e.MessageID, e.Cause)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}
