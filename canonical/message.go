// Package canonical defines the engine-agnostic message schema that every
// converter produces and every renderer consumes.
package canonical

import (
	"encoding/json"
	"time"

	"github.com/bazelment/yoloswe/enginestream/engine"
)

// MessageType is the logical kind used by renderers to pick a widget.
type MessageType string

const (
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeSystem    MessageType = "system"
	TypeResult    MessageType = "result"
	TypeSummary   MessageType = "summary"
	TypeThinking  MessageType = "thinking"
	TypeToolUse   MessageType = "tool_use"
)

// Common subtypes shared across engines.
const (
	SubtypeInit    = "init"
	SubtypeError   = "error"
	SubtypeSuccess = "success"
	SubtypeDelta   = "delta"
	SubtypeTodo    = "todo"
)

var knownTypes = map[MessageType]struct{}{
	TypeUser:      {},
	TypeAssistant: {},
	TypeSystem:    {},
	TypeResult:    {},
	TypeSummary:   {},
	TypeThinking:  {},
	TypeToolUse:   {},
}

// IsKnownType reports whether t belongs to the fixed set of logical kinds.
func IsKnownType(t MessageType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Block types used inside Body.Content.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of a message body. The shape follows the
// Claude content-block vocabulary so renderers handle all engines alike.
type ContentBlock struct {
	Input     map[string]interface{} `json:"input,omitempty"`
	Content   interface{}            `json:"content,omitempty"`
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// Body is the role-tagged content of user/assistant/tool messages.
type Body struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
}

// Usage is token accounting normalized across engines.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
	TotalTokens       int `json:"total_tokens,omitempty"`
}

// Message is the unified record consumed by rendering collaborators.
type Message struct {
	Message    *Body           `json:"message,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Type       MessageType     `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	Engine     engine.Type     `json:"engine"`
	SessionID  string          `json:"session_id,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	Timestamp  string          `json:"timestamp"`
	ReceivedAt string          `json:"receivedAt"`
	Model      string          `json:"model,omitempty"`
	Result     string          `json:"result,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Text concatenates all text blocks of the message body.
func (m *Message) Text() string {
	if m == nil || m.Message == nil {
		return ""
	}
	var out string
	for _, b := range m.Message.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// FilterKnown drops messages whose type is not in the fixed set. This is the
// consumer-side filter; converters never drop messages by type.
func FilterKnown(msgs []*Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil && IsKnownType(m.Type) {
			out = append(out, m)
		}
	}
	return out
}

// Now returns the current time formatted as an ISO-8601 timestamp.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime formats t the way Timestamp and ReceivedAt are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TextBody is a convenience constructor for a single-text-block body.
func TextBody(role, text string) *Body {
	return &Body{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}
