package convert

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

// geminiRequired lists the field each Gemini event type must carry.
var geminiRequired = map[string][]string{
	"init":        nil,
	"message":     {"role"},
	"tool_use":    {"tool_id"},
	"tool_result": {"tool_id"},
	"error":       {"severity"},
	"result":      {"status", "stats"},
}

type geminiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type geminiStats struct {
	TotalTokens  int   `json:"total_tokens"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	CachedTokens int   `json:"cached"`
	DurationMs   int64 `json:"duration_ms"`
	ToolCalls    int   `json:"tool_calls"`
}

type geminiEvent struct { //nolint:govet // fieldalignment: keep semantic grouping
	Parameters map[string]interface{} `json:"parameters"`
	Error      *geminiError           `json:"error"`
	Stats      *geminiStats           `json:"stats"`
	Output     json.RawMessage        `json:"output"`
	Type       string                 `json:"type"`
	Timestamp  string                 `json:"timestamp"`
	SessionID  string                 `json:"session_id"`
	Model      string                 `json:"model"`
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolName   string                 `json:"tool_name"`
	ToolID     string                 `json:"tool_id"`
	Status     string                 `json:"status"`
	Severity   string                 `json:"severity"`
	Message    string                 `json:"message"`
	Delta      bool                   `json:"delta"`
}

type geminiTool struct {
	params map[string]interface{}
	name   string
}

type geminiAccumulator struct {
	tools     map[string]geminiTool
	sessionID string
	text      strings.Builder
	turns     int
}

func (a *geminiAccumulator) reset() {
	a.tools = make(map[string]geminiTool)
	a.sessionID = ""
	a.text.Reset()
	a.turns = 0
}

// GeminiConverter handles `gemini --output-format stream-json` lines.
// Assistant text arrives in delta chunks and tool results reference tool
// calls only by id, so the converter accumulates both per stream.
type GeminiConverter struct {
	acc geminiAccumulator
	base
	mu sync.Mutex
}

// NewGeminiConverter creates a Gemini converter.
func NewGeminiConverter(opts ...Option) *GeminiConverter {
	c := &GeminiConverter{base: newBase(engine.Gemini, opts)}
	c.acc.reset()
	return c
}

// CanHandle implements Converter.
func (c *GeminiConverter) CanHandle(ev *RawEvent) bool {
	required, ok := geminiRequired[ev.Type]
	if !ok {
		return false
	}
	if ev.Subtype != "" || ev.Has("uuid") || ev.Has("thread_id") {
		return false
	}
	for _, key := range required {
		if !ev.Has(key) {
			return false
		}
	}
	return true
}

// Convert implements Converter.
func (c *GeminiConverter) Convert(ev *RawEvent) (*canonical.Message, error) {
	var e geminiEvent
	if err := ev.Decode(&e); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var msg *canonical.Message
	switch e.Type {
	case "init":
		c.acc.sessionID = e.SessionID
		msg = &canonical.Message{
			Type:    canonical.TypeSystem,
			Subtype: canonical.SubtypeInit,
			Model:   e.Model,
		}

	case "message":
		msg = c.message(&e)

	case "tool_use":
		c.acc.tools[e.ToolID] = geminiTool{name: e.ToolName, params: e.Parameters}
		msg = &canonical.Message{
			Type: canonical.TypeToolUse,
			Message: &canonical.Body{
				Role: "assistant",
				Content: []canonical.ContentBlock{{
					Type:  canonical.BlockToolUse,
					ID:    e.ToolID,
					Name:  e.ToolName,
					Input: e.Parameters,
				}},
			},
		}

	case "tool_result":
		tool := c.acc.tools[e.ToolID]
		delete(c.acc.tools, e.ToolID)
		block := canonical.ContentBlock{
			Type:      canonical.BlockToolResult,
			ToolUseID: e.ToolID,
			Name:      tool.name,
			Input:     tool.params,
			Content:   geminiOutput(&e),
			IsError:   e.Status == "error",
		}
		msg = &canonical.Message{
			Type:    canonical.TypeUser,
			Message: &canonical.Body{Role: "user", Content: []canonical.ContentBlock{block}},
		}

	case "error":
		msg = &canonical.Message{
			Type:    canonical.TypeSystem,
			Subtype: canonical.SubtypeError,
			Result:  e.Message,
			IsError: e.Severity == "error",
		}

	case "result":
		msg = c.result(&e)

	default:
		c.opts.logger.Debug("gemini: skipping unknown event type", "type", e.Type)
		return nil, nil
	}

	if msg == nil {
		return nil, nil
	}
	msg.SessionID = c.acc.sessionID
	return c.finish(msg, ev), nil
}

// ConvertLine implements Converter.
func (c *GeminiConverter) ConvertLine(line string) (*canonical.Message, error) {
	return convertLine(c, c.opts.logger, line)
}

// Reset implements Converter.
func (c *GeminiConverter) Reset() {
	c.mu.Lock()
	c.acc.reset()
	c.mu.Unlock()
}

func (c *GeminiConverter) message(e *geminiEvent) *canonical.Message {
	switch e.Role {
	case "user":
		c.acc.turns++
		c.acc.text.Reset()
		if e.Content == "" {
			return nil
		}
		return &canonical.Message{
			Type:    canonical.TypeUser,
			Message: canonical.TextBody("user", e.Content),
		}
	case "assistant":
		if e.Content == "" {
			return nil
		}
		msg := &canonical.Message{
			Type:    canonical.TypeAssistant,
			Message: canonical.TextBody("assistant", e.Content),
		}
		if e.Delta {
			c.acc.text.WriteString(e.Content)
			msg.Subtype = canonical.SubtypeDelta
		} else {
			c.acc.text.Reset()
			c.acc.text.WriteString(e.Content)
		}
		return msg
	}
	c.opts.logger.Debug("gemini: skipping message with unknown role", "role", e.Role)
	return nil
}

func (c *GeminiConverter) result(e *geminiEvent) *canonical.Message {
	msg := &canonical.Message{
		Type:     canonical.TypeResult,
		Subtype:  canonical.SubtypeSuccess,
		Result:   c.acc.text.String(),
		NumTurns: max(c.acc.turns, 1),
	}
	if e.Status != "success" {
		msg.Subtype = canonical.SubtypeError
		msg.IsError = true
		if e.Error != nil && e.Error.Message != "" {
			msg.Result = e.Error.Message
		}
	}
	if s := e.Stats; s != nil {
		total := s.TotalTokens
		if total == 0 {
			total = s.InputTokens + s.OutputTokens
		}
		msg.Usage = &canonical.Usage{
			InputTokens:       s.InputTokens,
			OutputTokens:      s.OutputTokens,
			CachedInputTokens: s.CachedTokens,
			TotalTokens:       total,
		}
		msg.DurationMs = s.DurationMs
	}
	c.acc.text.Reset()
	return msg
}

func geminiOutput(e *geminiEvent) interface{} {
	if e.Status == "error" && e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(e.Output) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(e.Output, &v); err != nil {
		return string(e.Output)
	}
	return v
}

var _ Converter = (*GeminiConverter)(nil)
