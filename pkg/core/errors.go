// Package core holds the error taxonomy shared by every component of the
// voice agent. Backend failures are converted into *Error values at the
// component boundary that owns the connection; raw errors never cross it.
package core

import (
	"errors"
	"fmt"
)

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrProtocol is a malformed or missing control message. The connection
	// is closed after reporting it.
	ErrProtocol ErrorType = "protocol_error"
	// ErrValidation is a rejected request (oversized, too short, empty).
	// The connection stays open.
	ErrValidation ErrorType = "validation_error"
	// ErrTranscription is a speech-to-text backend failure.
	ErrTranscription ErrorType = "transcription_failed"
	// ErrGenerationTimeout means the model did not finish within the
	// configured wall-clock budget.
	ErrGenerationTimeout ErrorType = "generation_timeout"
	// ErrGeneration is any other language-model failure.
	ErrGeneration ErrorType = "generation_failed"
	// ErrSynthesis is a text-to-speech failure. The turn degrades to
	// text-only; it never fails the whole turn.
	ErrSynthesis ErrorType = "synthesis_failed"
	// ErrUnknownTool means the model requested a tool that is not registered.
	ErrUnknownTool ErrorType = "unknown_tool"
	// ErrInternal is an unexpected server-side failure.
	ErrInternal ErrorType = "internal_error"
)

// Error is the typed outcome returned across component boundaries.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is makes errors.Is match on the taxonomy type, so callers can compare
// against a bare &Error{Type: ...} sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// TypeOf returns the taxonomy type of err, or ErrInternal for untyped errors.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrInternal
}

// NewProtocolError creates a protocol error for a malformed client message.
func NewProtocolError(message, param string) *Error {
	return &Error{Type: ErrProtocol, Message: message, Param: param}
}

// NewValidationError creates a validation error for a rejectable request.
func NewValidationError(message, param string) *Error {
	return &Error{Type: ErrValidation, Message: message, Param: param}
}

// NewTranscriptionError wraps a speech-to-text backend failure.
func NewTranscriptionError(message string) *Error {
	return &Error{Type: ErrTranscription, Message: message}
}

// NewGenerationTimeout reports an exceeded generation budget.
func NewGenerationTimeout(message string) *Error {
	return &Error{Type: ErrGenerationTimeout, Message: message, Code: "deadline_exceeded"}
}

// NewGenerationError wraps a language-model backend failure.
func NewGenerationError(message string) *Error {
	return &Error{Type: ErrGeneration, Message: message}
}

// NewSynthesisError wraps a text-to-speech backend failure.
func NewSynthesisError(message string) *Error {
	return &Error{Type: ErrSynthesis, Message: message}
}

// NewUnknownToolError reports a tool call the registry cannot serve.
func NewUnknownToolError(name string) *Error {
	return &Error{Type: ErrUnknownTool, Message: fmt.Sprintf("unknown tool %q", name), Param: name}
}
