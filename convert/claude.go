package convert

import (
	"github.com/bazelment/yoloswe/agent-cli-wrapper/protocol"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

// claudeTypes are the top-level types emitted by the Claude CLI in
// stream-json mode and in its on-disk session transcripts.
var claudeTypes = map[string]struct{}{
	"system":           {},
	"user":             {},
	"assistant":        {},
	"result":           {},
	"summary":          {},
	"stream_event":     {},
	"control_request":  {},
	"control_response": {},
	"progress":         {},
}

func usage(in, out, cacheRead int) *canonical.Usage {
	if in == 0 && out == 0 && cacheRead == 0 {
		return nil
	}
	return &canonical.Usage{
		InputTokens:       in,
		OutputTokens:      out,
		CachedInputTokens: cacheRead,
		TotalTokens:       in + out,
	}
}

// ClaudeConverter handles Claude stream-json and transcript lines. It is
// stateless: every Claude line is self-contained.
type ClaudeConverter struct {
	base
}

// NewClaudeConverter creates a Claude converter.
func NewClaudeConverter(opts ...Option) *ClaudeConverter {
	return &ClaudeConverter{base: newBase(engine.Claude, opts)}
}

// CanHandle implements Converter.
func (c *ClaudeConverter) CanHandle(ev *RawEvent) bool {
	if _, ok := claudeTypes[ev.Type]; !ok {
		return false
	}
	// Codex signature fields.
	if ev.Has("thread_id") || ev.Has("item") {
		return false
	}
	// Gemini signature fields.
	if ev.Has("stats") || ev.Has("role") || ev.Has("severity") || ev.Has("tool_id") {
		return false
	}
	switch ev.Type {
	case "user", "assistant":
		return ev.Has("message")
	case "system":
		return ev.Subtype != ""
	case "result":
		return ev.Subtype != "" || ev.Has("is_error")
	case "summary":
		return ev.Has("summary")
	}
	return true
}

// Convert implements Converter.
func (c *ClaudeConverter) Convert(ev *RawEvent) (*canonical.Message, error) {
	msg := &canonical.Message{Subtype: ev.Subtype}

	switch ev.Type {
	case "summary":
		msg.Type = canonical.TypeSummary
		msg.Summary = ev.Str("summary")
		msg.SessionID = ev.Str("sessionId")
		return c.finish(msg, ev), nil

	case "stream_event", "control_request", "control_response", "progress":
		// Partial deltas and control traffic; complete messages follow.
		return nil, nil
	}

	parsed, err := protocol.ParseMessage(ev.Line)
	if err != nil {
		return nil, err
	}

	switch m := parsed.(type) {
	case protocol.SystemMessage:
		msg.Type = canonical.TypeSystem
		msg.SessionID = m.SessionID
		msg.UUID = m.UUID
		msg.Model = m.Model

	case protocol.AssistantMessage:
		if !c.fillBody(msg, canonical.TypeAssistant, m.Message) {
			return nil, nil
		}
		msg.SessionID = m.SessionID
		msg.UUID = m.UUID

	case protocol.UserMessage:
		if !c.fillBody(msg, canonical.TypeUser, m.Message) {
			return nil, nil
		}
		msg.SessionID = m.SessionID
		msg.UUID = m.UUID

	case protocol.ResultMessage:
		msg.Type = canonical.TypeResult
		msg.SessionID = m.SessionID
		msg.UUID = m.UUID
		msg.Result = m.Result
		msg.IsError = m.IsError
		msg.CostUSD = m.TotalCostUSD
		msg.DurationMs = m.DurationMs
		msg.NumTurns = m.NumTurns
		msg.Usage = usage(m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheReadInputTokens)

	default:
		c.opts.logger.Debug("claude: skipping unknown event type", "type", ev.Type)
		return nil, nil
	}

	// On-disk transcripts spell it sessionId.
	if msg.SessionID == "" {
		msg.SessionID = ev.Str("sessionId")
	}
	return c.finish(msg, ev), nil
}

// ConvertLine implements Converter.
func (c *ClaudeConverter) ConvertLine(line string) (*canonical.Message, error) {
	return convertLine(c, c.opts.logger, line)
}

// Reset implements Converter. Claude lines carry no cross-line state.
func (c *ClaudeConverter) Reset() {}

// fillBody sets the body, model and usage of a user or assistant message.
// It returns false when the message has nothing to render.
func (c *ClaudeConverter) fillBody(msg *canonical.Message, t canonical.MessageType, content protocol.MessageContent) bool {
	role := string(t)
	if content.Role != "" {
		role = content.Role
	}

	var body *canonical.Body
	if s, ok := content.Content.AsString(); ok {
		if s == "" {
			return false
		}
		body = canonical.TextBody(role, s)
	} else {
		blocks, ok := content.Content.AsBlocks()
		if !ok {
			return false
		}
		body = &canonical.Body{Role: role, Content: make([]canonical.ContentBlock, 0, len(blocks))}
		for _, block := range blocks {
			if cb, ok := claudeBlock(block); ok {
				body.Content = append(body.Content, cb)
			}
		}
		if len(body.Content) == 0 {
			return false
		}
	}
	body.Model = content.Model

	msg.Type = t
	msg.Message = body
	msg.Model = content.Model
	u := content.Usage
	msg.Usage = usage(u.InputTokens, u.OutputTokens, u.CacheReadInputTokens)
	return true
}

func claudeBlock(block protocol.ContentBlock) (canonical.ContentBlock, bool) {
	switch b := block.(type) {
	case protocol.TextBlock:
		return canonical.ContentBlock{Type: canonical.BlockText, Text: b.Text}, true
	case protocol.ThinkingBlock:
		return canonical.ContentBlock{Type: canonical.BlockThinking, Thinking: b.Thinking}, true
	case protocol.ToolUseBlock:
		return canonical.ContentBlock{Type: canonical.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input}, true
	case protocol.ToolResultBlock:
		return canonical.ContentBlock{
			Type:      canonical.BlockToolResult,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
			IsError:   b.IsError != nil && *b.IsError,
		}, true
	}
	return canonical.ContentBlock{}, false
}

var _ Converter = (*ClaudeConverter)(nil)
