// Package sessionstore is the in-memory, notify-on-write source of truth for
// open sessions.
//
// Every mutation publishes a new State value. Sessions that did not change
// keep their pointer identity, so listeners can detect changes with ==
// instead of deep comparison. Snapshots must be treated as read-only.
package sessionstore

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// SessionData is one session's accumulated state.
type SessionData struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ID              string
	Engine          engine.Type
	Status          Status
	Error           string
	ClaudeSessionID string // engine-native session id reported by the stream
	Messages        []*canonical.Message
	RawJSONL        []string
}

// State is an immutable snapshot of the store.
type State struct {
	Sessions        map[string]*SessionData
	ActiveSessionID string
}

// Listener is called after each mutation with the new state. Listeners see
// snapshots in commit order and are never called concurrently; a listener
// may mutate the store, and that mutation is delivered after the current
// fan-out finishes.
type Listener func(State)

type listenerEntry struct {
	fn Listener
	id int
}

// Store holds the current State.
type Store struct {
	state     State
	now       func() time.Time
	logger    *slog.Logger
	listeners []listenerEntry
	pending   []State // committed, not yet delivered
	mu        sync.Mutex
	nextID    int
	notifying bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used when a listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		state:  State{Sessions: map[string]*SessionData{}},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(e listenerEntry) bool {
				return e.id == id
			})
		})
	}
}

// Select applies fn to the current state.
func Select[T any](s *Store, fn func(State) T) T {
	return fn(s.State())
}

// Watch calls fn whenever the selected value changes according to equal.
// fn is not called for the value current at registration time.
func Watch[T any](s *Store, selector func(State) T, equal func(a, b T) bool, fn func(T)) func() {
	var mu sync.Mutex
	last := selector(s.State())
	return s.Subscribe(func(st State) {
		next := selector(st)
		mu.Lock()
		changed := !equal(last, next)
		last = next
		mu.Unlock()
		if changed {
			fn(next)
		}
	})
}

// WatchComparable is Watch with == as the equality. Selecting a
// *SessionData therefore watches by reference.
func WatchComparable[T comparable](s *Store, selector func(State) T, fn func(T)) func() {
	return Watch(s, selector, func(a, b T) bool { return a == b }, fn)
}

// update applies fn to a copy of the session map. fn reports whether it
// changed anything; listeners are notified only then.
func (s *Store) update(fn func(next *State) bool) {
	s.mu.Lock()
	next := State{
		Sessions:        make(map[string]*SessionData, len(s.state.Sessions)),
		ActiveSessionID: s.state.ActiveSessionID,
	}
	for k, v := range s.state.Sessions {
		next.Sessions[k] = v
	}
	if !fn(&next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.pending = append(s.pending, next)
	if s.notifying {
		// Whoever is draining delivers it in order.
		s.mu.Unlock()
		return
	}
	s.notifying = true
	s.mu.Unlock()
	s.drain()
}

// drain delivers pending snapshots one at a time until none are left.
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.notifying = false
			s.pending = nil
			s.mu.Unlock()
			return
		}
		st := s.pending[0]
		s.pending[0] = State{}
		s.pending = s.pending[1:]
		listeners := s.listeners
		s.mu.Unlock()

		for _, l := range listeners {
			s.call(l, st)
		}
	}
}

func (s *Store) call(l listenerEntry, st State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session store listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(st)
}

// modify replaces session id with a mutated copy. Unknown ids are a no-op.
func (s *Store) modify(id string, fn func(d *SessionData)) {
	s.update(func(next *State) bool {
		cur, ok := next.Sessions[id]
		if !ok {
			return false
		}
		cp := *cur
		fn(&cp)
		cp.UpdatedAt = s.now()
		next.Sessions[id] = &cp
		return true
	})
}

// CreateSession adds an idle session. An existing entry with the same id is
// replaced by a fresh one.
func (s *Store) CreateSession(id string, e engine.Type) {
	s.update(func(next *State) bool {
		now := s.now()
		next.Sessions[id] = &SessionData{
			ID:        id,
			Engine:    e,
			Status:    StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true
	})
}

// UpdateSessionStatus sets the status.
func (s *Store) UpdateSessionStatus(id string, status Status) {
	s.modify(id, func(d *SessionData) { d.Status = status })
}

// SetSessionError records msg. A non-empty msg also moves the session to
// StatusError; an empty one only clears the message.
func (s *Store) SetSessionError(id, msg string) {
	s.modify(id, func(d *SessionData) {
		d.Error = msg
		if msg != "" {
			d.Status = StatusError
		}
	})
}

// SetClaudeSessionID records the engine-native session id.
func (s *Store) SetClaudeSessionID(id, engineSessionID string) {
	s.modify(id, func(d *SessionData) { d.ClaudeSessionID = engineSessionID })
}

// AppendMessage appends one message.
func (s *Store) AppendMessage(id string, m *canonical.Message) {
	s.AppendMessages(id, []*canonical.Message{m})
}

// AppendMessages appends msgs in order.
func (s *Store) AppendMessages(id string, msgs []*canonical.Message) {
	s.modify(id, func(d *SessionData) {
		d.Messages = append(slices.Clip(d.Messages), msgs...)
	})
}

// SetMessages replaces the message list.
func (s *Store) SetMessages(id string, msgs []*canonical.Message) {
	s.modify(id, func(d *SessionData) { d.Messages = slices.Clone(msgs) })
}

// AppendRawJSONL appends one raw line.
func (s *Store) AppendRawJSONL(id, line string) {
	s.modify(id, func(d *SessionData) {
		d.RawJSONL = append(slices.Clip(d.RawJSONL), line)
	})
}

// SetRawJSONL replaces the raw line list.
func (s *Store) SetRawJSONL(id string, lines []string) {
	s.modify(id, func(d *SessionData) { d.RawJSONL = slices.Clone(lines) })
}

// ClearSession removes a session. Clearing the active session also clears
// the active id.
func (s *Store) ClearSession(id string) {
	s.update(func(next *State) bool {
		if _, ok := next.Sessions[id]; !ok {
			return false
		}
		delete(next.Sessions, id)
		if next.ActiveSessionID == id {
			next.ActiveSessionID = ""
		}
		return true
	})
}

// ClearAllSessions removes every session.
func (s *Store) ClearAllSessions() {
	s.update(func(next *State) bool {
		next.Sessions = map[string]*SessionData{}
		next.ActiveSessionID = ""
		return true
	})
}

// SetActiveSession marks id as active. It notifies only when the active id
// actually changes. An empty id clears the selection; an unknown id is a
// no-op.
func (s *Store) SetActiveSession(id string) {
	s.update(func(next *State) bool {
		if next.ActiveSessionID == id {
			return false
		}
		if _, ok := next.Sessions[id]; id != "" && !ok {
			return false
		}
		next.ActiveSessionID = id
		return true
	})
}

// Session returns the session with the given id.
func (s *Store) Session(id string) (*SessionData, bool) {
	return SessionByID(s.State(), id)
}

// ActiveSession returns the active session, if any.
func (s *Store) ActiveSession() (*SessionData, bool) {
	st := s.State()
	return SessionByID(st, st.ActiveSessionID)
}

// SessionIDs returns all session ids, sorted.
func (s *Store) SessionIDs() []string {
	return Select(s, func(st State) []string {
		ids := make([]string, 0, len(st.Sessions))
		for id := range st.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	})
}

// SessionByID is a selector helper.
func SessionByID(st State, id string) (*SessionData, bool) {
	d, ok := st.Sessions[id]
	return d, ok
}
