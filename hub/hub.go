// Package hub wires a bus, a connection manager and a session store
// together. Most programs use the single instance returned by Default.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/connection"
	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

// Option configures a Hub.
type Option func(*Hub)

// WithBus sets the bus connections listen on. Defaults to a new Local bus.
func WithBus(b eventbus.Bus) Option {
	return func(h *Hub) { h.bus = b }
}

// WithStore sets the session store. Defaults to a new store.
func WithStore(s *sessionstore.Store) Option {
	return func(h *Hub) { h.store = s }
}

// WithRegistryFactory sets how each connection gets its registry.
func WithRegistryFactory(fn func() *convert.Registry) Option {
	return func(h *Hub) { h.newRegistry = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithTabID makes every opened session also listen on its engine's global
// output channel for payloads addressed to tabID.
func WithTabID(tabID string) Option {
	return func(h *Hub) { h.tabID = tabID }
}

// Hub mirrors live sessions into a store.
type Hub struct {
	bus         eventbus.Bus
	store       *sessionstore.Store
	manager     *connection.Manager
	logger      *slog.Logger
	newRegistry func() *convert.Registry
	tabID       string
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus == nil {
		h.bus = eventbus.NewLocal(eventbus.WithLogger(h.logger))
	}
	if h.store == nil {
		h.store = sessionstore.New(sessionstore.WithLogger(h.logger))
	}
	mopts := []connection.ManagerOption{connection.WithManagerLogger(h.logger)}
	if h.newRegistry != nil {
		mopts = append(mopts, connection.WithRegistryFactory(h.newRegistry))
	}
	h.manager = connection.NewManager(h.bus, mopts...)
	return h
}

var (
	defaultOnce sync.Once
	defaultHub  *Hub
)

// Default returns the process-wide Hub, created on first use.
func Default() *Hub {
	defaultOnce.Do(func() { defaultHub = New() })
	return defaultHub
}

// Bus returns the bus connections listen on.
func (h *Hub) Bus() eventbus.Bus { return h.bus }

// Store returns the session store.
func (h *Hub) Store() *sessionstore.Store { return h.store }

// Manager returns the connection manager.
func (h *Hub) Manager() *connection.Manager { return h.manager }

// OpenSession makes sure the store has an entry for id, marks it running
// and attaches a connection that records everything it receives.
// Reopening a live session returns the existing connection.
func (h *Hub) OpenSession(ctx context.Context, e engine.Type, id string) (*connection.Connection, error) {
	if existing, ok := h.manager.Get(e, id); ok && existing.State() == connection.StateConnected {
		return existing, nil
	}
	if _, ok := h.store.Session(id); !ok {
		h.store.CreateSession(id, e)
	}
	h.store.SetSessionError(id, "")
	h.store.UpdateSessionStatus(id, sessionstore.StatusRunning)

	conn, err := h.manager.GetOrCreate(ctx, connection.Options{
		Engine:    e,
		SessionID: id,
		TabID:     h.tabID,
		OnMessage: func(m *canonical.Message) { h.recordMessage(id, m) },
		OnRaw:     func(line string) { h.store.AppendRawJSONL(id, line) },
		OnError: func(msg string) {
			h.logger.Warn("session error", "engine", e, "session_id", id, "error", msg)
			h.store.SetSessionError(id, msg)
		},
		OnComplete: func(success bool) { h.finish(id, success) },
	})
	if err != nil {
		h.store.SetSessionError(id, err.Error())
		return nil, err
	}
	return conn, nil
}

// CloseSession detaches the session's connection and marks it stopped if
// it was still running. It reports whether a connection existed.
func (h *Hub) CloseSession(e engine.Type, id string) bool {
	closed := h.manager.Close(e, id)
	if d, ok := h.store.Session(id); ok && d.Status == sessionstore.StatusRunning {
		h.store.UpdateSessionStatus(id, sessionstore.StatusStopped)
	}
	return closed
}

// Shutdown closes every connection. Sessions still running are marked
// stopped.
func (h *Hub) Shutdown() {
	h.manager.Shutdown()
	for _, id := range h.store.SessionIDs() {
		if d, ok := h.store.Session(id); ok && d.Status == sessionstore.StatusRunning {
			h.store.UpdateSessionStatus(id, sessionstore.StatusStopped)
		}
	}
}

func (h *Hub) recordMessage(id string, m *canonical.Message) {
	h.store.AppendMessage(id, m)
	if m.SessionID == "" {
		return
	}
	if d, ok := h.store.Session(id); ok && d.ClaudeSessionID == "" {
		h.store.SetClaudeSessionID(id, m.SessionID)
	}
}

// finish records the terminal status. A session that already reported an
// error keeps it.
func (h *Hub) finish(id string, success bool) {
	d, ok := h.store.Session(id)
	if !ok {
		return
	}
	switch {
	case success:
		h.store.UpdateSessionStatus(id, sessionstore.StatusCompleted)
	case d.Status == sessionstore.StatusError:
	default:
		h.store.UpdateSessionStatus(id, sessionstore.StatusStopped)
	}
}
