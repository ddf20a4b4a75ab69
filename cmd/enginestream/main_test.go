package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/config"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

const codexStream = `{"type":"thread.started","thread_id":"th-1"}
{"type":"turn.started"}
{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"hello"}}
garbage
`

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(config.EnvPath, filepath.Join(t.TempDir(), "missing.yaml"))
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		engineName, tabID, sessionID = "", "", ""
		knownOnly, replayJSON = false, false
	})
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func decodeMessages(t *testing.T, out string) []canonical.Message {
	t.Helper()
	var msgs []canonical.Message
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var m canonical.Message
		require.NoError(t, dec.Decode(&m))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestConvertCommand_Stdin(t *testing.T) {
	out, errOut, err := run(t, codexStream, "convert", "--engine", "codex")
	require.NoError(t, err)

	msgs := decodeMessages(t, out)
	require.Len(t, msgs, 2, "turn.started carries nothing to render")
	for _, m := range msgs {
		assert.Equal(t, engine.Codex, m.Engine)
	}
	assert.Equal(t, "th-1", msgs[0].SessionID)
	assert.Equal(t, "hello", msgs[1].Text())
	assert.Contains(t, errOut, "2 skipped")
}

func TestConvertCommand_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(codexStream), 0o644))

	out, _, err := run(t, "", "convert", path)
	require.NoError(t, err)
	assert.Len(t, decodeMessages(t, out), 2, "detection picks codex without --engine")
}

func TestConvertCommand_BadEngine(t *testing.T) {
	_, _, err := run(t, "", "convert", "--engine", "cursor")
	assert.Error(t, err)
}

func TestReplayCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess-42.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(codexStream), 0o644))

	out, _, err := run(t, "", "replay", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sess-42")
	assert.Contains(t, out, "messages")
	assert.Contains(t, out, "idle")

	out, _, err = run(t, "", "replay", "--json", "--session", "x", path)
	require.NoError(t, err)
	assert.Len(t, decodeMessages(t, out), 2)
}

func TestSchemaCommand(t *testing.T) {
	out, _, err := run(t, "", "schema")
	require.NoError(t, err)
	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "CanonicalMessage", schema["title"])
}

func TestListenCommand_RequiresURL(t *testing.T) {
	_, _, err := run(t, "", "listen", "s1")
	assert.ErrorIs(t, err, errNoURL)
}

func TestRenderSession(t *testing.T) {
	var buf bytes.Buffer
	renderSession(&buf, &sessionstore.SessionData{
		ID:              "abc",
		Engine:          engine.Gemini,
		Status:          sessionstore.StatusError,
		Error:           "boom",
		ClaudeSessionID: "native",
		Messages: []*canonical.Message{
			{Type: canonical.TypeAssistant},
			{Type: canonical.TypeAssistant},
			{Type: canonical.TypeResult},
		},
	})
	s := buf.String()
	assert.Contains(t, s, "abc")
	assert.Contains(t, s, "boom")
	assert.Contains(t, s, "native")
	assert.Contains(t, s, "assistant=2 result=1")
}

func TestResolveSessionID(t *testing.T) {
	assert.Equal(t, "run-7", resolveSessionID("/tmp/logs/run-7.jsonl"))
	sessionID = "forced"
	t.Cleanup(func() { sessionID = "" })
	assert.Equal(t, "forced", resolveSessionID("/tmp/logs/run-7.jsonl"))
}
