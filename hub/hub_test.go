package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/connection"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

func newHub(t *testing.T, opts ...Option) (*Hub, *eventbus.Local) {
	t.Helper()
	bus := eventbus.NewLocal()
	h := New(append([]Option{WithBus(bus)}, opts...)...)
	t.Cleanup(h.Shutdown)
	return h, bus
}

func publish(t *testing.T, bus *eventbus.Local, channel string, v interface{}) {
	t.Helper()
	require.NoError(t, bus.PublishJSON(channel, v))
}

func TestOpenSession_RecordsIntoStore(t *testing.T) {
	h, bus := newHub(t)
	conn, err := h.OpenSession(context.Background(), engine.Claude, "s1")
	require.NoError(t, err)
	assert.Equal(t, connection.StateConnected, conn.State())

	d, ok := h.Store().Session("s1")
	require.True(t, ok)
	assert.Equal(t, sessionstore.StatusRunning, d.Status)

	out := engine.Claude.OutputChannel("s1")
	publish(t, bus, out, `{"type":"system","subtype":"init","session_id":"native-9","model":"m"}`)
	publish(t, bus, out, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}`)
	publish(t, bus, out, `not json`)
	publish(t, bus, engine.Claude.CompleteChannel("s1"), true)

	d, _ = h.Store().Session("s1")
	assert.Equal(t, sessionstore.StatusCompleted, d.Status)
	assert.Equal(t, "native-9", d.ClaudeSessionID)
	assert.Len(t, d.RawJSONL, 3)
	require.Len(t, d.Messages, 2)
	assert.Equal(t, canonical.TypeSystem, d.Messages[0].Type)
	assert.Equal(t, "ok", d.Messages[1].Text())
	assert.Equal(t, connection.StateClosed, conn.State())
}

func TestOpenSession_ErrorThenFailedCompletionKeepsError(t *testing.T) {
	h, bus := newHub(t)
	_, err := h.OpenSession(context.Background(), engine.Codex, "c")
	require.NoError(t, err)

	publish(t, bus, engine.Codex.ErrorChannel("c"), "process exited")
	publish(t, bus, engine.Codex.CompleteChannel("c"), false)

	d, _ := h.Store().Session("c")
	assert.Equal(t, sessionstore.StatusError, d.Status)
	assert.Equal(t, "process exited", d.Error)
}

func TestOpenSession_StoppedSessionState(t *testing.T) {
	h, bus := newHub(t)
	_, err := h.OpenSession(context.Background(), engine.Gemini, "g")
	require.NoError(t, err)

	publish(t, bus, engine.Gemini.SessionStateChannel(), map[string]string{"session_id": "g", "status": "stopped"})

	d, _ := h.Store().Session("g")
	assert.Equal(t, sessionstore.StatusStopped, d.Status)
}

func TestOpenSession_ReusesLiveConnection(t *testing.T) {
	h, _ := newHub(t)
	a, err := h.OpenSession(context.Background(), engine.Claude, "x")
	require.NoError(t, err)
	b, err := h.OpenSession(context.Background(), engine.Claude, "x")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, h.Manager().Len())
}

func TestOpenSession_KeepsLoadedHistory(t *testing.T) {
	h, _ := newHub(t)
	h.Store().CreateSession("h", engine.Claude)
	h.Store().SetRawJSONL("h", []string{"old"})

	_, err := h.OpenSession(context.Background(), engine.Claude, "h")
	require.NoError(t, err)
	d, _ := h.Store().Session("h")
	assert.Equal(t, []string{"old"}, d.RawJSONL)
	assert.Equal(t, sessionstore.StatusRunning, d.Status)
}

func TestOpenSession_TabOutput(t *testing.T) {
	h, bus := newHub(t, WithTabID("left"))
	_, err := h.OpenSession(context.Background(), engine.Claude, "t")
	require.NoError(t, err)

	line := `{"type":"summary","summary":"s"}`
	publish(t, bus, engine.Claude.GlobalOutputChannel(), map[string]string{"tab_id": "right", "line": line})
	publish(t, bus, engine.Claude.GlobalOutputChannel(), map[string]string{"tab_id": "left", "line": line})

	d, _ := h.Store().Session("t")
	assert.Len(t, d.RawJSONL, 1)
}

func TestCloseSessionAndShutdown(t *testing.T) {
	h, _ := newHub(t)
	_, err := h.OpenSession(context.Background(), engine.Claude, "a")
	require.NoError(t, err)
	_, err = h.OpenSession(context.Background(), engine.Codex, "b")
	require.NoError(t, err)

	assert.True(t, h.CloseSession(engine.Claude, "a"))
	assert.False(t, h.CloseSession(engine.Claude, "a"))
	d, _ := h.Store().Session("a")
	assert.Equal(t, sessionstore.StatusStopped, d.Status)

	h.Shutdown()
	d, _ = h.Store().Session("b")
	assert.Equal(t, sessionstore.StatusStopped, d.Status)
	assert.Equal(t, 0, h.Manager().Len())

	_, err = h.OpenSession(context.Background(), engine.Claude, "c")
	assert.ErrorIs(t, err, connection.ErrClosed)
	d, _ = h.Store().Session("c")
	assert.Equal(t, sessionstore.StatusError, d.Status)
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
