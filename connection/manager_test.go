package connection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

func TestManager_ReusesConnected(t *testing.T) {
	bus := newCountingBus()
	m := NewManager(bus)
	ctx := context.Background()

	c1, err := m.GetOrCreate(ctx, Options{Engine: engine.Claude, SessionID: "s"})
	require.NoError(t, err)
	c2, err := m.GetOrCreate(ctx, Options{Engine: engine.Claude, SessionID: "s"})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(engine.Claude, "s")
	require.True(t, ok)
	assert.Same(t, c1, got)
}

func TestManager_ReplacesClosedEntry(t *testing.T) {
	bus := newCountingBus()
	m := NewManager(bus)
	ctx := context.Background()

	c1, err := m.GetOrCreate(ctx, Options{Engine: engine.Codex, SessionID: "s"})
	require.NoError(t, err)
	require.NoError(t, bus.PublishJSON(engine.Codex.CompleteChannel("s"), true))
	assert.Equal(t, StateClosed, c1.State())

	c2, err := m.GetOrCreate(ctx, Options{Engine: engine.Codex, SessionID: "s"})
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, StateConnected, c2.State())
	assert.Equal(t, 1, bus.Subscribers(engine.Codex.OutputChannel("s")))
}

func TestManager_ForgetsCompletedConnection(t *testing.T) {
	bus := newCountingBus()
	m := NewManager(bus)
	ctx := context.Background()

	var completed []bool
	c1, err := m.GetOrCreate(ctx, Options{
		Engine:     engine.Claude,
		SessionID:  "done",
		OnComplete: func(ok bool) { completed = append(completed, ok) },
	})
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, Options{Engine: engine.Claude, SessionID: "live"})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	require.NoError(t, bus.PublishJSON(engine.Claude.CompleteChannel("done"), true))
	assert.Equal(t, StateClosed, c1.State())
	assert.Equal(t, []bool{true}, completed, "caller's OnComplete still fires")
	assert.Equal(t, 1, m.Len())
	_, ok := m.Get(engine.Claude, "done")
	assert.False(t, ok)
	assert.False(t, m.Close(engine.Claude, "done"))

	c2, err := m.GetOrCreate(ctx, Options{Engine: engine.Claude, SessionID: "done"})
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, m.Len())
}

func TestManager_SeparateRegistriesPerConnection(t *testing.T) {
	bus := newCountingBus()
	var made []*convert.Registry
	m := NewManager(bus, WithRegistryFactory(func() *convert.Registry {
		r := convert.NewDefaultRegistry()
		made = append(made, r)
		return r
	}))
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, Options{Engine: engine.Codex, SessionID: "a"})
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, Options{Engine: engine.Codex, SessionID: "b"})
	require.NoError(t, err)
	require.Len(t, made, 2)
	assert.NotSame(t, made[0], made[1])

	require.NoError(t, bus.PublishJSON(engine.Codex.OutputChannel("a"), `{"type":"thread.started","thread_id":"th-a"}`))
	res := made[1].ConvertLine(`{"type":"turn.completed"}`, engine.Codex)
	require.NotNil(t, res.Message)
	assert.Empty(t, res.Message.SessionID, "session b never sees session a's thread id")
}

func TestManager_CloseAndShutdown(t *testing.T) {
	bus := newCountingBus()
	m := NewManager(bus)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, Options{Engine: engine.Gemini, SessionID: "a"})
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, Options{Engine: engine.Gemini, SessionID: "b"})
	require.NoError(t, err)

	assert.True(t, m.Close(engine.Gemini, "a"))
	assert.False(t, m.Close(engine.Gemini, "a"))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, m.Len())

	m.Shutdown()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, m.Len())

	_, err = m.GetOrCreate(ctx, Options{Engine: engine.Gemini, SessionID: "c"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ConnectFailureNotStored(t *testing.T) {
	bus := newCountingBus()
	bus.failOn = engine.Claude.ErrorChannel("s")
	m := NewManager(bus)

	_, err := m.GetOrCreate(context.Background(), Options{Engine: engine.Claude, SessionID: "s"})
	var subErr *SubscribeError
	assert.ErrorAs(t, err, &subErr)
	assert.Equal(t, 0, m.Len())
}
