package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

const claudeTranscript = `{"type":"system","subtype":"init","session_id":"native-1","model":"claude-sonnet"}
{"type":"user","message":{"role":"user","content":"Fix the build"},"sessionId":"native-1"}

not json
{"type":"progress","data":{}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Done."}]},"sessionId":"native-1"}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Transcript(t *testing.T) {
	path := writeFile(t, t.TempDir(), "s.jsonl", claudeTranscript)
	store := sessionstore.New()

	res, err := Load(path, "tab-1", engine.Claude, store)
	require.NoError(t, err)
	assert.False(t, res.Missing)
	assert.Equal(t, 5, res.Lines, "blank lines are dropped")
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Messages, 3)

	d, ok := store.Session("tab-1")
	require.True(t, ok)
	assert.Len(t, d.RawJSONL, 5)
	require.Len(t, d.Messages, 3)
	assert.Equal(t, canonical.TypeSystem, d.Messages[0].Type)
	assert.Equal(t, "Done.", d.Messages[2].Text())
	assert.Equal(t, "native-1", d.ClaudeSessionID)
	assert.Equal(t, sessionstore.StatusIdle, d.Status)
}

func TestLoad_MissingFileStartsNewSession(t *testing.T) {
	store := sessionstore.New()
	res, err := Load(filepath.Join(t.TempDir(), "nope.jsonl"), "s", engine.Codex, store)
	require.NoError(t, err)
	assert.True(t, res.Missing)

	d, ok := store.Session("s")
	require.True(t, ok)
	assert.Equal(t, engine.Codex, d.Engine)
	assert.Empty(t, d.Messages)
}

func TestLoad_OversizedLine(t *testing.T) {
	path := writeFile(t, t.TempDir(), "big.jsonl", `{"type":"summary","summary":"`+strings.Repeat("x", 200)+`"}`+"\n")
	_, err := Load(path, "s", engine.Claude, sessionstore.New(), WithMaxLineBytes(64))
	assert.Error(t, err)
}

func TestReadLines(t *testing.T) {
	lines, err := ReadLines(strings.NewReader("a\n\nb\nc"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

type sink struct {
	lines    []string
	complete []bool
	mu       sync.Mutex
}

func (s *sink) attach(t *testing.T, bus *eventbus.Local, e engine.Type, id string) {
	t.Helper()
	_, err := bus.Subscribe(e.OutputChannel(id), func(p json.RawMessage) {
		var line string
		require.NoError(t, json.Unmarshal(p, &line))
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(e.CompleteChannel(id), func(p json.RawMessage) {
		var ok bool
		require.NoError(t, json.Unmarshal(p, &ok))
		s.mu.Lock()
		s.complete = append(s.complete, ok)
		s.mu.Unlock()
	})
	require.NoError(t, err)
}

func (s *sink) snapshot() ([]string, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), append([]bool(nil), s.complete...)
}

func appendTo(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFollower_PublishesExistingAndAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "codex.jsonl", `{"type":"thread.started","thread_id":"t"}`+"\n")

	bus := eventbus.NewLocal()
	var s sink
	s.attach(t, bus, engine.Codex, "s1")

	f := NewFollower(path, engine.Codex, "s1", bus)
	require.NoError(t, f.Start(context.Background()))

	appendTo(t, path, `{"type":"turn.started"}`+"\n"+`{"type":"item.completed",`)
	appendTo(t, path, `"item":{"id":"1","type":"agent_message","text":"hi"}}`+"\n")

	require.Eventually(t, func() bool {
		lines, _ := s.snapshot()
		return len(lines) == 3
	}, 3*time.Second, 20*time.Millisecond)

	f.Stop()
	f.Stop()
	lines, complete := s.snapshot()
	assert.Equal(t, `{"type":"thread.started","thread_id":"t"}`, lines[0])
	assert.Equal(t, `{"type":"item.completed","item":{"id":"1","type":"agent_message","text":"hi"}}`, lines[2])
	assert.Equal(t, []bool{true}, complete)
	assert.Equal(t, 3, f.Published())
}

func TestFollower_SkipExistingAndFlushPartialOnStop(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "g.jsonl", `{"type":"init","session_id":"old"}`+"\n")

	bus := eventbus.NewLocal()
	var s sink
	s.attach(t, bus, engine.Gemini, "g")

	f := NewFollower(path, engine.Gemini, "g", bus, WithFromStart(false))
	require.NoError(t, f.Start(context.Background()))

	appendTo(t, path, `{"type":"message","role":"user","content":"x"}`)
	// Give the watcher a chance to see the unterminated write.
	time.Sleep(100 * time.Millisecond)
	lines, _ := s.snapshot()
	assert.Empty(t, lines)

	f.Stop()
	lines, complete := s.snapshot()
	assert.Equal(t, []string{`{"type":"message","role":"user","content":"x"}`}, lines)
	assert.Equal(t, []bool{true}, complete)
}

func TestFollower_FileCreatedLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "later.jsonl")

	bus := eventbus.NewLocal()
	var s sink
	s.attach(t, bus, engine.Claude, "c")

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFollower(path, engine.Claude, "c", bus)
	require.NoError(t, f.Start(ctx))

	appendTo(t, path, `{"type":"summary","summary":"s"}`+"\n")
	require.Eventually(t, func() bool {
		lines, _ := s.snapshot()
		return len(lines) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		_, complete := s.snapshot()
		return len(complete) == 1
	}, time.Second, 10*time.Millisecond)
	f.Stop()
	_, complete := s.snapshot()
	assert.Len(t, complete, 1, "cancel and Stop complete once")
}
