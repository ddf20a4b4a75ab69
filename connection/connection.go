// Package connection binds one (engine, session) pair to its event-bus
// channels and exposes the normalized output as pull-based queues.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/asyncqueue"
	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
)

// StatusStopped is the session-state status that ends a connection.
const StatusStopped = "stopped"

// Options configures a Connection. Callbacks are optional and run on the
// goroutine that delivered the triggering event. They must not publish
// synchronously onto the connection's own channels.
type Options struct {
	Bus      eventbus.Bus
	Registry *convert.Registry
	Logger   *slog.Logger

	OnStateChange func(State)
	OnError       func(msg string)
	OnComplete    func(success bool)
	OnMessage     func(*canonical.Message)
	OnRaw         func(line string)

	Engine    engine.Type
	SessionID string
	// TabID additionally subscribes to the engine's global output channel,
	// keeping only payloads addressed to this tab.
	TabID string
}

// Connection listens to one session's channels.
type Connection struct {
	opts     Options
	logger   *slog.Logger
	registry *convert.Registry
	messages *asyncqueue.Queue[*canonical.Message]
	raw      *asyncqueue.Queue[string]
	unsubs   []eventbus.Unsubscribe
	state    State

	mu         sync.Mutex
	dispatchMu sync.Mutex
	subscribed bool
	finished   bool
	cleaned    bool
}

// New validates opts and creates a disconnected Connection.
func New(opts Options) (*Connection, error) {
	if opts.Bus == nil {
		return nil, ErrNoBus
	}
	if !opts.Engine.Valid() {
		return nil, fmt.Errorf("%w: engine %q", ErrInvalidOptions, opts.Engine)
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidOptions)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("engine", opts.Engine, "session_id", opts.SessionID)

	registry := opts.Registry
	if registry == nil {
		registry = convert.NewDefaultRegistry(convert.WithLogger(logger))
	}

	c := &Connection{
		opts:     opts,
		logger:   logger,
		registry: registry,
		raw:      asyncqueue.New[string](asyncqueue.WithLogger(logger)),
		state:    StateDisconnected,
	}
	c.messages = asyncqueue.New[*canonical.Message](
		asyncqueue.WithLogger(logger),
		asyncqueue.WithCleanup(c.Close),
	)
	return c, nil
}

// Key identifies the connection as "engine:sessionId".
func (c *Connection) Key() string { return engine.Key(c.opts.Engine, c.opts.SessionID) }

// Engine returns the connection's engine.
func (c *Connection) Engine() engine.Type { return c.opts.Engine }

// SessionID returns the connection's session id.
func (c *Connection) SessionID() string { return c.opts.SessionID }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribed reports whether the connection's listeners are attached.
func (c *Connection) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Messages is the queue of canonical messages. Breaking out of its
// iteration closes the connection.
func (c *Connection) Messages() *asyncqueue.Queue[*canonical.Message] { return c.messages }

// RawLines is the queue of every output line, converted or not.
func (c *Connection) RawLines() *asyncqueue.Queue[string] { return c.raw }

// Connect subscribes to the session's channels. Calling it on a connection
// that is not fresh logs a warning and does nothing.
func (c *Connection) Connect(ctx context.Context) error {
	if st := c.State(); st != StateDisconnected {
		c.logger.Warn("connect called on non-fresh connection", "state", st)
		return nil
	}
	c.setState(StateConnecting)

	e, id := c.opts.Engine, c.opts.SessionID
	subs := []struct {
		handler eventbus.Handler
		channel string
	}{
		{c.handleOutput, e.OutputChannel(id)},
		{c.handleError, e.ErrorChannel(id)},
		{c.handleComplete, e.CompleteChannel(id)},
		{c.handleSessionState, e.SessionStateChannel()},
	}
	if c.opts.TabID != "" {
		subs = append(subs, struct {
			handler eventbus.Handler
			channel string
		}{c.handleTabOutput, e.GlobalOutputChannel()})
	}

	var unsubs []eventbus.Unsubscribe
	fail := func(channel string, err error) error {
		for _, u := range unsubs {
			u()
		}
		c.setState(StateErrored)
		return fmt.Errorf("connect %s: %w", c.Key(), &SubscribeError{Channel: channel, Cause: err})
	}

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return fail(s.channel, err)
		}
		u, err := c.opts.Bus.Subscribe(s.channel, s.handler)
		if err != nil {
			return fail(s.channel, err)
		}
		unsubs = append(unsubs, u)
	}

	c.mu.Lock()
	if c.finished {
		// Completed or closed while subscribing; cleanup already ran.
		c.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return nil
	}
	c.unsubs = unsubs
	c.subscribed = true
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Debug("connection established")
	return nil
}

// Close ends the connection without firing OnComplete.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		c.cleanup()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.setState(StateClosed)
	c.cleanup()
}

func (c *Connection) complete(success bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.logger.Debug("session complete", "success", success)
	c.setState(StateClosed)
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(success)
	}
	c.cleanup()
}

// cleanup releases subscriptions and finishes both queues once.
func (c *Connection) cleanup() {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.subscribed = false
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.messages.Done()
	c.raw.Done()
	c.registry.Reset(c.opts.Engine)
}

func (c *Connection) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	if !canTransition(prev, next) {
		c.mu.Unlock()
		c.logger.Debug("ignoring state change", "error", &StateError{From: prev, To: next})
		return
	}
	c.state = next
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

func (c *Connection) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Connection) handleOutput(payload json.RawMessage) {
	line, ok := outputLine(payload)
	if !ok {
		c.logger.Debug("ignoring output payload", "payload", string(payload))
		return
	}
	c.deliver(line)
}

type tabPayload struct {
	TabID     string          `json:"tab_id"`
	SessionID string          `json:"session_id"`
	Line      json.RawMessage `json:"line"`
}

func (c *Connection) handleTabOutput(payload json.RawMessage) {
	var p tabPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TabID != c.opts.TabID {
		return
	}
	if p.SessionID != "" && p.SessionID != c.opts.SessionID {
		return
	}
	line, ok := outputLine(p.Line)
	if !ok {
		return
	}
	c.deliver(line)
}

func (c *Connection) deliver(line string) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.isFinished() {
		return
	}

	c.raw.Enqueue(line)
	if c.opts.OnRaw != nil {
		c.opts.OnRaw(line)
	}

	res := c.registry.ConvertLine(line, c.opts.Engine)
	if res.Err != nil {
		c.logger.Debug("skipping output line", "error", res.Err, "detected", res.Engine)
		return
	}
	if res.Message == nil {
		return
	}
	c.messages.Enqueue(res.Message)
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(res.Message)
	}
}

func (c *Connection) handleError(payload json.RawMessage) {
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil {
		msg = string(payload)
	}
	c.logger.Warn("engine reported error", "error", msg)

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.opts.OnError != nil {
		c.opts.OnError(msg)
	}
}

func (c *Connection) handleComplete(payload json.RawMessage) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.complete(completionSuccess(payload))
}

type sessionStatePayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (c *Connection) handleSessionState(payload json.RawMessage) {
	var p sessionStatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if p.SessionID != c.opts.SessionID || p.Status != StatusStopped {
		return
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.complete(false)
}

// outputLine extracts the JSONL line from an output payload: a JSON string
// is unwrapped, an object is used verbatim.
func outputLine(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	switch payload[0] {
	case '"':
		var s string
		if err := json.Unmarshal(payload, &s); err != nil || s == "" {
			return "", false
		}
		return s, true
	case '{':
		return string(payload), true
	}
	return "", false
}

// completionSuccess accepts `true`/`false` or {"success": bool}. Anything
// else counts as success.
func completionSuccess(payload json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(payload, &b); err == nil {
		return b
	}
	var obj struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Success != nil {
		return *obj.Success
	}
	return true
}
