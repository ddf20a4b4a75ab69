// Package convert turns engine-specific wire events into canonical messages.
//
// Each engine has one Converter. The Registry picks a converter for an
// arbitrary event using a fixed priority: the caller's preferred engine if
// it accepts the event, then the first accepting converter in registration
// order, then the default engine unconditionally. Detection is a closed set
// of discriminant checks per engine, including negative checks on sibling
// engines' signature fields, so overlapping shapes resolve deterministically.
package convert

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

// Converter translates one engine's wire events.
type Converter interface {
	// Engine identifies the engine this converter handles.
	Engine() engine.Type

	// CanHandle is a pure predicate over the event shape.
	CanHandle(ev *RawEvent) bool

	// Convert maps a recognized event. A nil message with a nil error means
	// the event was valid but carries nothing renderable.
	Convert(ev *RawEvent) (*canonical.Message, error)

	// ConvertLine parses one JSONL record and delegates to Convert. Parse
	// failures are logged and returned, never panicked.
	ConvertLine(line string) (*canonical.Message, error)

	// Reset clears accumulation state kept across a stream.
	Reset()
}

// Result is the outcome of a registry dispatch. Skipped with a nil Err means
// the event was consumed on purpose; Skipped with Err means it failed to
// parse or convert.
type Result struct {
	Err     error
	Message *canonical.Message
	Engine  engine.Type
	Skipped bool
}

// Option configures a converter.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// WithLogger sets the converter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source used for ReceivedAt and missing
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides the UUID source for events lacking one.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// base carries the bits every converter shares.
type base struct {
	opts   options
	engine engine.Type
}

func newBase(e engine.Type, opts []Option) base {
	return base{engine: e, opts: buildOptions(opts)}
}

// Engine implements Converter.
func (b *base) Engine() engine.Type { return b.engine }

// finish stamps engine, ids, timestamps and the passthrough payload.
func (b *base) finish(m *canonical.Message, ev *RawEvent) *canonical.Message {
	now := canonical.FormatTime(b.opts.now())
	m.Engine = b.engine
	if m.Timestamp == "" {
		m.Timestamp = ev.Str("timestamp")
	}
	if m.Timestamp == "" {
		m.Timestamp = now
	}
	m.ReceivedAt = now
	if m.UUID == "" {
		m.UUID = ev.Str("uuid")
	}
	if m.UUID == "" {
		m.UUID = b.opts.newID()
	}
	m.Raw = ev.Line
	return m
}

// convertLine is the shared ConvertLine implementation.
func convertLine(c Converter, logger *slog.Logger, line string) (*canonical.Message, error) {
	ev, err := ParseRawEvent([]byte(line))
	if err != nil {
		logger.Debug("skipping unparseable line", "engine", c.Engine(), "error", err)
		return nil, err
	}
	return c.Convert(ev)
}
