// Package engine identifies the agent CLIs whose event streams are normalized
// and derives the event-bus channel names each one publishes on.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned by Parse for names outside the supported set.
var ErrUnknown = errors.New("unknown engine")

// Type identifies an agent engine. It is immutable for the lifetime of a
// connection or session.
type Type string

const (
	Claude Type = "claude"
	Codex  Type = "codex"
	Gemini Type = "gemini"
)

// All returns the supported engines in their canonical priority order.
func All() []Type {
	return []Type{Claude, Codex, Gemini}
}

// Parse converts a user-supplied name into a Type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return t, nil
}

// Valid reports whether t is one of the supported engines.
func (t Type) Valid() bool {
	switch t {
	case Claude, Codex, Gemini:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

// Prefix is the event-bus channel prefix for the engine.
func (t Type) Prefix() string { return string(t) }

// OutputChannel carries raw output lines for one session.
func (t Type) OutputChannel(sessionID string) string {
	return t.Prefix() + "-output:" + sessionID
}

// ErrorChannel carries error payloads for one session.
func (t Type) ErrorChannel(sessionID string) string {
	return t.Prefix() + "-error:" + sessionID
}

// CompleteChannel carries the completion signal for one session.
func (t Type) CompleteChannel(sessionID string) string {
	return t.Prefix() + "-complete:" + sessionID
}

// SessionStateChannel is shared by all sessions of the engine; payloads
// carry their own session id.
func (t Type) SessionStateChannel() string {
	return t.Prefix() + "-session-state"
}

// GlobalOutputChannel is the unscoped output channel used by multi-tab
// deployments. Payloads carry a tab id for filtering.
func (t Type) GlobalOutputChannel() string {
	return t.Prefix() + "-output"
}

// Key is the connection key for an (engine, session) pair.
func Key(t Type, sessionID string) string {
	return string(t) + ":" + sessionID
}
