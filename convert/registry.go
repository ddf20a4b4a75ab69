package convert

import (
	"fmt"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/engine"
)

// Registry dispatches events to the converter that recognizes them.
type Registry struct {
	byEngine map[engine.Type]Converter
	order    []Converter
	def      engine.Type
	mu       sync.Mutex
}

// NewRegistry creates a registry with the given default engine. Converters
// are consulted in the order given.
func NewRegistry(defaultEngine engine.Type, converters ...Converter) *Registry {
	r := &Registry{
		byEngine: make(map[engine.Type]Converter),
		def:      defaultEngine,
	}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry creates a registry with claude, codex and gemini
// converters, in that order, defaulting to claude.
func NewDefaultRegistry(opts ...Option) *Registry {
	return NewRegistry(engine.Claude,
		NewClaudeConverter(opts...),
		NewCodexConverter(opts...),
		NewGeminiConverter(opts...),
	)
}

// NewOrderedRegistry creates a registry whose detection order follows
// engines. Engines not listed are appended in their standard order.
func NewOrderedRegistry(defaultEngine engine.Type, engines []engine.Type, opts ...Option) *Registry {
	ctors := map[engine.Type]func(...Option) Converter{
		engine.Claude: func(o ...Option) Converter { return NewClaudeConverter(o...) },
		engine.Codex:  func(o ...Option) Converter { return NewCodexConverter(o...) },
		engine.Gemini: func(o ...Option) Converter { return NewGeminiConverter(o...) },
	}
	r := NewRegistry(defaultEngine)
	for _, e := range append(append([]engine.Type(nil), engines...), engine.All()...) {
		if ctor, ok := ctors[e]; ok {
			r.Register(ctor(opts...))
			delete(ctors, e)
		}
	}
	return r
}

// Register adds c, replacing any converter for the same engine in place.
func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := c.Engine()
	if _, ok := r.byEngine[e]; ok {
		for i, existing := range r.order {
			if existing.Engine() == e {
				r.order[i] = c
			}
		}
	} else {
		r.order = append(r.order, c)
	}
	r.byEngine[e] = c
}

// Converter returns the converter registered for e.
func (r *Registry) Converter(e engine.Type) (Converter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byEngine[e]
	return c, ok
}

// Engines returns registered engines in detection order.
func (r *Registry) Engines() []engine.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Type, len(r.order))
	for i, c := range r.order {
		out[i] = c.Engine()
	}
	return out
}

// Default returns the default engine.
func (r *Registry) Default() engine.Type { return r.def }

// Detect reports which converter accepts ev, without falling back to the
// default. A converter whose CanHandle panics counts as not accepting.
func (r *Registry) Detect(ev *RawEvent) (engine.Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.order {
		if accepts(c, ev) {
			return c.Engine(), true
		}
	}
	return "", false
}

// ConvertLine parses line and dispatches it. Malformed lines produce a
// skipped result carrying the parse error.
func (r *Registry) ConvertLine(line string, preferred engine.Type) Result {
	ev, err := ParseRawEvent([]byte(line))
	if err != nil {
		return Result{Engine: r.fallbackEngine(preferred), Skipped: true, Err: err}
	}
	return r.Convert(ev, preferred)
}

// Convert dispatches ev using the preferred engine, then registration
// order, then the default converter. It never panics.
func (r *Registry) Convert(ev *RawEvent, preferred engine.Type) (res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Covers CanHandle as well as Convert.
	current := r.fallbackEngine(preferred)
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				Engine:  current,
				Skipped: true,
				Err:     fmt.Errorf("%w: %s: %v", ErrConverterPanic, current, p),
			}
		}
	}()

	c := r.pickLocked(ev, preferred, &current)
	if c == nil {
		return Result{Engine: r.def, Skipped: true, Err: ErrNoConverter}
	}
	current = c.Engine()

	msg, err := c.Convert(ev)
	if err != nil {
		return Result{Engine: c.Engine(), Skipped: true, Err: err}
	}
	if msg == nil {
		return Result{Engine: c.Engine(), Skipped: true}
	}
	return Result{Engine: c.Engine(), Message: msg}
}

// Reset clears the accumulation state of e's converter.
func (r *Registry) Reset(e engine.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byEngine[e]; ok {
		c.Reset()
	}
}

// ResetAll clears every converter.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.order {
		c.Reset()
	}
}

// pickLocked records in current the engine whose predicate is running so a
// panic can be attributed to it.
func (r *Registry) pickLocked(ev *RawEvent, preferred engine.Type, current *engine.Type) Converter {
	if c, ok := r.byEngine[preferred]; ok {
		*current = c.Engine()
		if c.CanHandle(ev) {
			return c
		}
	}
	for _, c := range r.order {
		*current = c.Engine()
		if c.CanHandle(ev) {
			return c
		}
	}
	return r.byEngine[r.def]
}

// accepts runs c.CanHandle, treating a panic as a refusal.
func accepts(c Converter, ev *RawEvent) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.CanHandle(ev)
}

func (r *Registry) fallbackEngine(preferred engine.Type) engine.Type {
	if preferred.Valid() {
		return preferred
	}
	return r.def
}
