// Package store provides conversational memory for voice-agent sessions:
// a keyed mapping from session id to bounded turn history, with idle-session
// eviction. Backends must be safe for concurrent use; per-id operations are
// atomic, including the compound append-and-trim.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id has never been seen or
// has been reaped.
var ErrSessionNotFound = errors.New("session not found")

// DefaultMaxHistory is the sliding-window bound applied to a session's
// history when the caller does not configure one.
const DefaultMaxHistory = 50

// Role tags a turn in the conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Turn is one utterance in a session history. User and model turns carry
// plain text; tool turns carry the structured result of a function call.
type Turn struct {
	Role       Role           `json:"role"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolResult map[string]any `json:"tool_result,omitempty"`
}

// UserTurn builds a user turn.
func UserTurn(text string) Turn { return Turn{Role: RoleUser, Text: text} }

// ModelTurn builds a model turn.
func ModelTurn(text string) Turn { return Turn{Role: RoleModel, Text: text} }

// ToolTurn builds a tool-result turn.
func ToolTurn(name string, result map[string]any) Turn {
	return Turn{Role: RoleTool, ToolName: name, ToolResult: result}
}

// Session is a snapshot of one conversation. Backends return copies; mutating
// a returned Session does not affect stored state.
type Session struct {
	ID           string    `json:"id"`
	Persona      string    `json:"persona"`
	History      []Turn    `json:"history"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Store is the session store contract. All operations are keyed by session
// id and touch the session's last-accessed time.
type Store interface {
	// GetOrCreate returns the session for id, creating it lazily with the
	// given persona prompt on first reference.
	GetOrCreate(ctx context.Context, id, persona string) (*Session, error)

	// History returns a copy of the session's turns in insertion order.
	// Returns ErrSessionNotFound for unseen ids.
	History(ctx context.Context, id string) ([]Turn, error)

	// Append adds turns to the session's history and, when max > 0, trims
	// the history to its most recent max turns, dropping oldest first.
	// The append and trim are atomic per session id.
	Append(ctx context.Context, id string, max int, turns ...Turn) error

	// RetractUserTurn removes the trailing user turn together with any tool
	// turns appended after it, restoring the history to its pre-turn state.
	// It reports whether anything was removed; a history that does not end
	// in a [user, tool...] tail is left untouched.
	RetractUserTurn(ctx context.Context, id string) (bool, error)

	// Truncate keeps only the most recent max turns.
	Truncate(ctx context.Context, id string, max int) error

	// Touch refreshes the session's last-accessed time.
	Touch(ctx context.Context, id string) error

	// Delete removes the session. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// Reap removes every session whose last access predates now minus idle
	// and returns how many were removed. Racing a concurrent Delete on the
	// same id is a no-op, not an error.
	Reap(ctx context.Context, now time.Time, idle time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

// retractTail returns history with its trailing [user, tool...] tail removed
// and reports whether a user turn was found. Shared by all backends so the
// retraction invariant has a single definition.
func retractTail(history []Turn) ([]Turn, bool) {
	i := len(history) - 1
	for i >= 0 && history[i].Role == RoleTool {
		i--
	}
	if i < 0 || history[i].Role != RoleUser {
		return history, false
	}
	return history[:i], true
}
