package convert

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/enginestream/canonical"
)

func TestCodexConverter_ToolLifecycle(t *testing.T) {
	now := fixedNow
	c := NewCodexConverter(WithClock(func() time.Time { return now }))

	m, err := c.ConvertLine(`{"type":"thread.started","thread_id":"th-1"}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.SubtypeInit, m.Subtype)

	m, err = c.ConvertLine(`{"type":"turn.started"}`)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = c.ConvertLine(`{"type":"item.started","item":{"id":"item_1","type":"command_execution","command":"ls -la","status":"in_progress"}}`)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, canonical.TypeToolUse, m.Type)
	assert.Equal(t, "th-1", m.SessionID)
	require.Len(t, m.Message.Content, 1)
	assert.Equal(t, "Bash", m.Message.Content[0].Name)
	assert.Equal(t, "ls -la", m.Message.Content[0].Input["command"])

	now = now.Add(1500 * time.Millisecond)
	m, err = c.ConvertLine(`{"type":"item.completed","item":{"id":"item_1","type":"command_execution","command":"ls -la","aggregated_output":"a\nb","exit_code":0,"status":"completed"}}`)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, canonical.TypeUser, m.Type)
	assert.Equal(t, int64(1500), m.DurationMs)
	block := m.Message.Content[0]
	assert.Equal(t, canonical.BlockToolResult, block.Type)
	assert.Equal(t, "item_1", block.ToolUseID)
	assert.Equal(t, "a\nb", block.Content)
	assert.False(t, block.IsError)

	m, err = c.ConvertLine(`{"type":"item.completed","item":{"id":"item_2","type":"agent_message","text":"All done."}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.TypeAssistant, m.Type)
	assert.Equal(t, "All done.", m.Text())

	m, err = c.ConvertLine(`{"type":"turn.completed","usage":{"input_tokens":100,"cached_input_tokens":40,"output_tokens":20}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.TypeResult, m.Type)
	assert.Equal(t, canonical.SubtypeSuccess, m.Subtype)
	assert.Equal(t, "All done.", m.Result)
	assert.Equal(t, 1, m.NumTurns)
	require.NotNil(t, m.Usage)
	assert.Equal(t, 120, m.Usage.TotalTokens)
	assert.Equal(t, 40, m.Usage.CachedInputTokens)
}

func TestCodexConverter_CumulativeUsage(t *testing.T) {
	c := NewCodexConverter()
	for i := 0; i < 2; i++ {
		m, err := c.ConvertLine(`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`)
		require.NoError(t, err)
		assert.Equal(t, i+1, m.NumTurns)
		assert.Equal(t, 15, m.Usage.TotalTokens, "per-turn usage")
	}
	total := c.TotalUsage()
	assert.Equal(t, 20, total.InputTokens)
	assert.Equal(t, 30, total.TotalTokens)

	c.Reset()
	assert.Equal(t, canonical.Usage{}, c.TotalUsage())
}

func TestCodexConverter_CompletedWithoutStart(t *testing.T) {
	c := NewCodexConverter()
	m, err := c.ConvertLine(`{"type":"item.completed","item":{"id":"fc","type":"file_change","changes":[{"path":"main.go","kind":"update"}],"status":"completed"}}`)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, canonical.TypeToolUse, m.Type)
	require.Len(t, m.Message.Content, 2)
	assert.Equal(t, canonical.BlockToolUse, m.Message.Content[0].Type)
	assert.Equal(t, "Edit", m.Message.Content[0].Name)
	assert.Equal(t, canonical.BlockToolResult, m.Message.Content[1].Type)
	assert.Equal(t, "update main.go", m.Message.Content[1].Content)
}

func TestCodexConverter_MalformedMCPArgumentsKeptAndLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewCodexConverter(WithLogger(logger))

	m, err := c.ConvertLine(`{"type":"item.started","item":{"id":"m2","type":"mcp_tool_call","server":"docs","tool":"search","arguments":"q=go"}}`)
	require.NoError(t, err)
	require.NotNil(t, m)
	block := m.Message.Content[0]
	assert.Equal(t, "mcp__docs__search", block.Name)
	assert.Equal(t, `"q=go"`, block.Input["arguments"])
	assert.Contains(t, logs.String(), "mcp arguments are not an object")
	assert.Contains(t, logs.String(), "item_id=m2")
}

func TestCodexConverter_MCPToolAndFailures(t *testing.T) {
	c := NewCodexConverter()
	m, err := c.ConvertLine(`{"type":"item.started","item":{"id":"m1","type":"mcp_tool_call","server":"docs","tool":"search","arguments":{"q":"go"}}}`)
	require.NoError(t, err)
	assert.Equal(t, "mcp__docs__search", m.Message.Content[0].Name)
	assert.Equal(t, "go", m.Message.Content[0].Input["q"])

	m, err = c.ConvertLine(`{"type":"item.completed","item":{"id":"m1","type":"mcp_tool_call","server":"docs","tool":"search","status":"failed","error":{"message":"timeout"}}}`)
	require.NoError(t, err)
	block := m.Message.Content[0]
	assert.True(t, block.IsError)
	assert.Equal(t, "timeout", block.Content)

	m, err = c.ConvertLine(`{"type":"turn.failed","error":{"message":"rate limited"}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.SubtypeError, m.Subtype)
	assert.True(t, m.IsError)
	assert.Equal(t, "rate limited", m.Result)

	m, err = c.ConvertLine(`{"type":"error","message":"stream closed"}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.TypeSystem, m.Type)
	assert.Equal(t, "stream closed", m.Result)
}

func TestCodexConverter_ReasoningTodoAndLegacyItemType(t *testing.T) {
	c := NewCodexConverter()

	m, err := c.ConvertLine(`{"type":"item.completed","item":{"id":"r","item_type":"reasoning","text":"**Planning**"}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.TypeThinking, m.Type)
	assert.Equal(t, "**Planning**", m.Message.Content[0].Thinking)

	m, err = c.ConvertLine(`{"type":"item.completed","item":{"id":"t","type":"todo_list","items":[{"text":"write code","completed":true},{"text":"test","completed":false}]}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.SubtypeTodo, m.Subtype)
	assert.Equal(t, "- [x] write code\n- [ ] test", m.Text())

	m, err = c.ConvertLine(`{"type":"item.updated","item":{"id":"t","type":"todo_list"}}`)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCodexConverter_ResetPreventsStateBleed(t *testing.T) {
	c := NewCodexConverter()
	_, err := c.ConvertLine(`{"type":"item.started","item":{"id":"x","type":"command_execution","command":"make"}}`)
	require.NoError(t, err)
	c.Reset()

	// After a reset the completion has no recorded start.
	m, err := c.ConvertLine(`{"type":"item.completed","item":{"id":"x","type":"command_execution","command":"make","exit_code":2}}`)
	require.NoError(t, err)
	assert.Equal(t, canonical.TypeToolUse, m.Type)
	assert.True(t, m.Message.Content[1].IsError)
}

func TestCodexConverter_CanHandle(t *testing.T) {
	c := NewCodexConverter()
	assert.False(t, c.CanHandle(mustParse(t, `{"type":"thread.started","session_id":"s"}`)))
	assert.False(t, c.CanHandle(mustParse(t, `{"type":"error"}`)))
	assert.False(t, c.CanHandle(mustParse(t, `{"type":"error","message":"x","severity":"warning"}`)))
	assert.True(t, c.CanHandle(mustParse(t, `{"type":"turn.started"}`)))
}
