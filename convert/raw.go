package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNoConverter is reported when neither a matching nor a default
	// converter is registered.
	ErrNoConverter = errors.New("no converter registered")

	// ErrConverterPanic wraps a panic recovered at the registry boundary.
	ErrConverterPanic = errors.New("converter panicked")
)

// ParseError is returned for lines that are not a JSON object.
type ParseError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// RawEvent is one decoded wire event. The top-level fields are indexed once
// so CanHandle predicates can check discriminants without re-parsing.
type RawEvent struct {
	fields  map[string]json.RawMessage
	Type    string
	Subtype string
	Line    json.RawMessage
}

// ParseRawEvent decodes a single newline-delimited JSON record.
func ParseRawEvent(line []byte) (*RawEvent, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &ParseError{Message: "empty line"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ParseError{Message: "invalid JSON", Cause: err, Line: truncate(string(trimmed), 200)}
	}
	if fields == nil {
		return nil, &ParseError{Message: "not a JSON object", Line: truncate(string(trimmed), 200)}
	}

	ev := &RawEvent{
		fields: fields,
		Line:   append(json.RawMessage(nil), trimmed...),
	}
	ev.Type = ev.Str("type")
	ev.Subtype = ev.Str("subtype")
	return ev, nil
}

// Has reports whether key is present with a non-null value.
func (e *RawEvent) Has(key string) bool {
	v, ok := e.fields[key]
	return ok && !bytes.Equal(v, []byte("null"))
}

// Field returns the raw JSON of a top-level field, or nil.
func (e *RawEvent) Field(key string) json.RawMessage {
	return e.fields[key]
}

// Str returns a top-level string field, or "" if it is absent or not a
// string.
func (e *RawEvent) Str(key string) string {
	v, ok := e.fields[key]
	if !ok || len(v) == 0 || v[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Decode unmarshals the whole event into v.
func (e *RawEvent) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Line, v); err != nil {
		return &ParseError{Message: fmt.Sprintf("decode %q event", e.Type), Cause: err}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
