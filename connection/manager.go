package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
)

// Manager keeps at most one live connection per (engine, session).
type Manager struct {
	bus         eventbus.Bus
	logger      *slog.Logger
	newRegistry func() *convert.Registry
	conns       map[string]*Connection
	mu          sync.Mutex
	closed      bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistryFactory sets how each new connection gets its registry.
// Stateful converters must not be shared between concurrent sessions, so
// the factory should return a fresh registry per call.
func WithRegistryFactory(fn func() *convert.Registry) ManagerOption {
	return func(m *Manager) { m.newRegistry = fn }
}

// WithManagerLogger sets the logger handed to connections.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager whose connections listen on bus.
func NewManager(bus eventbus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:    bus,
		logger: slog.Default(),
		conns:  make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newRegistry == nil {
		logger := m.logger
		m.newRegistry = func() *convert.Registry {
			return convert.NewDefaultRegistry(convert.WithLogger(logger))
		}
	}
	return m
}

// GetOrCreate returns the existing connection for opts' key if it is
// connected. Otherwise any stale entry is closed and a fresh connection is
// created and connected. Bus, Registry and Logger default to the manager's.
// A connection that completes is dropped from the manager after its own
// OnComplete returns.
func (m *Manager) GetOrCreate(ctx context.Context, opts Options) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	key := engine.Key(opts.Engine, opts.SessionID)
	if existing, ok := m.conns[key]; ok {
		if existing.State() == StateConnected {
			return existing, nil
		}
		existing.Close()
		delete(m.conns, key)
	}

	if opts.Bus == nil {
		opts.Bus = m.bus
	}
	if opts.Registry == nil {
		opts.Registry = m.newRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = m.logger
	}

	var conn *Connection
	onComplete := opts.OnComplete
	opts.OnComplete = func(success bool) {
		if onComplete != nil {
			onComplete(success)
		}
		m.forget(key, conn)
	}

	conn, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	m.conns[key] = conn
	return conn, nil
}

// forget drops key if it still maps to c.
func (m *Manager) forget(key string, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[key] == c {
		delete(m.conns, key)
	}
}

// Get returns the tracked connection for (e, sessionID). Completed
// connections are no longer tracked; closed ones may be until replaced.
func (m *Manager) Get(e engine.Type, sessionID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[engine.Key(e, sessionID)]
	return c, ok
}

// Close closes and forgets one connection. It reports whether one existed.
func (m *Manager) Close(e engine.Type, sessionID string) bool {
	key := engine.Key(e, sessionID)
	m.mu.Lock()
	c, ok := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// CloseAll closes every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Shutdown closes every connection and rejects further GetOrCreate calls.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()
}

// Len returns the number of tracked connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
