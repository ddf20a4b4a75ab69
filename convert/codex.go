package convert

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

// Codex exec --json item types.
const (
	codexItemAgentMessage = "agent_message"
	codexItemReasoning    = "reasoning"
	codexItemCommand      = "command_execution"
	codexItemFileChange   = "file_change"
	codexItemMCPToolCall  = "mcp_tool_call"
	codexItemWebSearch    = "web_search"
	codexItemTodoList     = "todo_list"
	codexItemError        = "error"
)

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type codexTodo struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexItem struct { //nolint:govet // fieldalignment: keep semantic grouping
	ExitCode         *int              `json:"exit_code"`
	Error            *codexError       `json:"error"`
	Arguments        json.RawMessage   `json:"arguments"`
	Result           json.RawMessage   `json:"result"`
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	ItemType         string            `json:"item_type"`
	Text             string            `json:"text"`
	Command          string            `json:"command"`
	AggregatedOutput string            `json:"aggregated_output"`
	Status           string            `json:"status"`
	Server           string            `json:"server"`
	Tool             string            `json:"tool"`
	Query            string            `json:"query"`
	Message          string            `json:"message"`
	Changes          []codexFileChange `json:"changes"`
	Items            []codexTodo       `json:"items"`
}

// kind returns the item type; older CLI builds used item_type.
func (i *codexItem) kind() string {
	if i.Type != "" {
		return i.Type
	}
	return i.ItemType
}

type codexUsage struct {
	InputTokens           int `json:"input_tokens"`
	CachedInputTokens     int `json:"cached_input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	ReasoningOutputTokens int `json:"reasoning_output_tokens"`
}

type codexEvent struct {
	Item     *codexItem  `json:"item"`
	Usage    *codexUsage `json:"usage"`
	Error    *codexError `json:"error"`
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Message  string      `json:"message"`
}

// codexToolStart records an item.started tool call until its completion.
type codexToolStart struct {
	startedAt time.Time
	input     map[string]interface{}
	name      string
}

// codexAccumulator holds state reconstructed across a Codex stream.
type codexAccumulator struct {
	started  map[string]codexToolStart
	total    canonical.Usage
	threadID string
	lastText string
	turns    int
}

func newCodexAccumulator() codexAccumulator {
	return codexAccumulator{started: make(map[string]codexToolStart)}
}

// CodexConverter handles `codex exec --json` lines. Tool calls are split
// across item.started / item.completed and usage across turn.completed
// events, so the converter keeps an accumulator that Reset clears.
type CodexConverter struct {
	acc codexAccumulator
	base
	mu sync.Mutex
}

// NewCodexConverter creates a Codex converter.
func NewCodexConverter(opts ...Option) *CodexConverter {
	return &CodexConverter{
		base: newBase(engine.Codex, opts),
		acc:  newCodexAccumulator(),
	}
}

// CanHandle implements Converter.
func (c *CodexConverter) CanHandle(ev *RawEvent) bool {
	// Claude signature fields.
	if ev.Subtype != "" || ev.Has("session_id") || ev.Has("uuid") {
		return false
	}
	// Gemini signature fields.
	if ev.Has("severity") || ev.Has("tool_id") {
		return false
	}
	t := ev.Type
	switch {
	case strings.HasPrefix(t, "thread."), strings.HasPrefix(t, "turn."), strings.HasPrefix(t, "item."):
		return true
	case t == "error":
		return ev.Has("message")
	}
	return false
}

// Convert implements Converter.
func (c *CodexConverter) Convert(ev *RawEvent) (*canonical.Message, error) {
	var e codexEvent
	if err := ev.Decode(&e); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var msg *canonical.Message
	switch e.Type {
	case "thread.started":
		c.acc.threadID = e.ThreadID
		msg = &canonical.Message{Type: canonical.TypeSystem, Subtype: canonical.SubtypeInit}

	case "turn.started", "item.updated":
		return nil, nil

	case "item.started":
		msg = c.itemStarted(e.Item)

	case "item.completed":
		msg = c.itemCompleted(e.Item)

	case "turn.completed":
		msg = c.turnCompleted(e.Usage)

	case "turn.failed":
		c.acc.turns++
		text := "turn failed"
		if e.Error != nil && e.Error.Message != "" {
			text = e.Error.Message
		}
		msg = &canonical.Message{
			Type:     canonical.TypeResult,
			Subtype:  canonical.SubtypeError,
			Result:   text,
			IsError:  true,
			NumTurns: c.acc.turns,
		}

	case "error":
		msg = &canonical.Message{
			Type:    canonical.TypeSystem,
			Subtype: canonical.SubtypeError,
			Result:  e.Message,
			IsError: true,
		}

	default:
		c.opts.logger.Debug("codex: skipping unknown event type", "type", e.Type)
		return nil, nil
	}

	if msg == nil {
		return nil, nil
	}
	msg.SessionID = c.acc.threadID
	return c.finish(msg, ev), nil
}

// ConvertLine implements Converter.
func (c *CodexConverter) ConvertLine(line string) (*canonical.Message, error) {
	return convertLine(c, c.opts.logger, line)
}

// Reset implements Converter.
func (c *CodexConverter) Reset() {
	c.mu.Lock()
	c.acc = newCodexAccumulator()
	c.mu.Unlock()
}

func (c *CodexConverter) itemStarted(item *codexItem) *canonical.Message {
	if item == nil {
		return nil
	}
	name, input, ok := c.tool(item)
	if !ok {
		// agent_message, reasoning, todo_list: content arrives on completion.
		return nil
	}
	c.acc.started[item.ID] = codexToolStart{name: name, input: input, startedAt: c.opts.now()}
	return &canonical.Message{
		Type: canonical.TypeToolUse,
		Message: &canonical.Body{
			Role: "assistant",
			Content: []canonical.ContentBlock{{
				Type:  canonical.BlockToolUse,
				ID:    item.ID,
				Name:  name,
				Input: input,
			}},
		},
	}
}

func (c *CodexConverter) itemCompleted(item *codexItem) *canonical.Message {
	if item == nil {
		return nil
	}
	switch item.kind() {
	case codexItemAgentMessage:
		if item.Text == "" {
			return nil
		}
		c.acc.lastText = item.Text
		return &canonical.Message{
			Type:    canonical.TypeAssistant,
			Message: canonical.TextBody("assistant", item.Text),
		}

	case codexItemReasoning:
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		return &canonical.Message{
			Type: canonical.TypeThinking,
			Message: &canonical.Body{
				Role:    "assistant",
				Content: []canonical.ContentBlock{{Type: canonical.BlockThinking, Thinking: item.Text}},
			},
		}

	case codexItemTodoList:
		items := make([]interface{}, 0, len(item.Items))
		lines := make([]string, 0, len(item.Items))
		for _, td := range item.Items {
			items = append(items, map[string]interface{}{"text": td.Text, "completed": td.Completed})
			mark := "[ ]"
			if td.Completed {
				mark = "[x]"
			}
			lines = append(lines, "- "+mark+" "+td.Text)
		}
		return &canonical.Message{
			Type:    canonical.TypeSystem,
			Subtype: canonical.SubtypeTodo,
			Message: &canonical.Body{
				Role:    "assistant",
				Content: []canonical.ContentBlock{{
					Type:  canonical.BlockText,
					Text:  strings.Join(lines, "\n"),
					Input: map[string]interface{}{"items": items},
				}},
			},
		}

	case codexItemError:
		return &canonical.Message{
			Type:    canonical.TypeSystem,
			Subtype: canonical.SubtypeError,
			Result:  item.Message,
			IsError: true,
		}
	}

	name, input, ok := c.tool(item)
	if !ok {
		c.opts.logger.Debug("codex: skipping unknown item type", "item_type", item.kind())
		return nil
	}

	result := canonical.ContentBlock{
		Type:      canonical.BlockToolResult,
		ToolUseID: item.ID,
		Name:      name,
		Input:     input,
		Content:   codexToolOutput(item),
		IsError:   codexToolFailed(item),
	}

	start, seen := c.acc.started[item.ID]
	delete(c.acc.started, item.ID)
	if !seen {
		// Some items (file_change) only ever complete. Carry the call and
		// its result together so the renderer has both halves.
		return &canonical.Message{
			Type: canonical.TypeToolUse,
			Message: &canonical.Body{
				Role: "assistant",
				Content: []canonical.ContentBlock{
					{Type: canonical.BlockToolUse, ID: item.ID, Name: name, Input: input},
					result,
				},
			},
		}
	}

	if result.Input == nil {
		result.Input = start.input
	}
	return &canonical.Message{
		Type:       canonical.TypeUser,
		Message:    &canonical.Body{Role: "user", Content: []canonical.ContentBlock{result}},
		DurationMs: c.opts.now().Sub(start.startedAt).Milliseconds(),
	}
}

func (c *CodexConverter) turnCompleted(u *codexUsage) *canonical.Message {
	c.acc.turns++
	msg := &canonical.Message{
		Type:     canonical.TypeResult,
		Subtype:  canonical.SubtypeSuccess,
		Result:   c.acc.lastText,
		NumTurns: c.acc.turns,
	}
	if u != nil {
		turn := canonical.Usage{
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			CachedInputTokens: u.CachedInputTokens,
			ReasoningTokens:   u.ReasoningOutputTokens,
			TotalTokens:       u.InputTokens + u.OutputTokens,
		}
		c.acc.total.InputTokens += turn.InputTokens
		c.acc.total.OutputTokens += turn.OutputTokens
		c.acc.total.CachedInputTokens += turn.CachedInputTokens
		c.acc.total.ReasoningTokens += turn.ReasoningTokens
		c.acc.total.TotalTokens += turn.TotalTokens
		msg.Usage = &turn
	}
	c.acc.lastText = ""
	return msg
}

// TotalUsage returns usage accumulated over all completed turns since the
// last Reset.
func (c *CodexConverter) TotalUsage() canonical.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.total
}

// tool maps a tool-like item to a Claude-style tool name and input.
func (c *CodexConverter) tool(item *codexItem) (string, map[string]interface{}, bool) {
	switch item.kind() {
	case codexItemCommand:
		return "Bash", map[string]interface{}{"command": item.Command}, true
	case codexItemFileChange:
		changes := make([]interface{}, 0, len(item.Changes))
		for _, ch := range item.Changes {
			changes = append(changes, map[string]interface{}{"path": ch.Path, "kind": ch.Kind})
		}
		return "Edit", map[string]interface{}{"changes": changes}, true
	case codexItemMCPToolCall:
		input := map[string]interface{}{}
		if len(item.Arguments) > 0 {
			if err := json.Unmarshal(item.Arguments, &input); err != nil {
				c.opts.logger.Debug("codex: mcp arguments are not an object", "item_id", item.ID, "error", err)
				input = map[string]interface{}{"arguments": string(item.Arguments)}
			}
		}
		return "mcp__" + item.Server + "__" + item.Tool, input, true
	case codexItemWebSearch:
		return "WebSearch", map[string]interface{}{"query": item.Query}, true
	}
	return "", nil, false
}

func codexToolOutput(item *codexItem) interface{} {
	switch item.kind() {
	case codexItemCommand:
		return item.AggregatedOutput
	case codexItemMCPToolCall:
		if item.Error != nil && item.Error.Message != "" {
			return item.Error.Message
		}
		if len(item.Result) > 0 {
			var v interface{}
			if err := json.Unmarshal(item.Result, &v); err == nil {
				return v
			}
		}
		return nil
	case codexItemFileChange:
		paths := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			paths = append(paths, ch.Kind+" "+ch.Path)
		}
		return strings.Join(paths, "\n")
	}
	return nil
}

func codexToolFailed(item *codexItem) bool {
	if item.Status == "failed" {
		return true
	}
	if item.ExitCode != nil && *item.ExitCode != 0 {
		return true
	}
	return item.Error != nil && item.Error.Message != ""
}

var _ Converter = (*CodexConverter)(nil)
