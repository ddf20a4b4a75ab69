// Package history replays and follows on-disk engine transcripts.
//
// Engines write one JSON event per line. Load converts a whole file into a
// session store entry; Follower tails a file that is still being written
// and publishes each new line on the session's output channel, so a live
// connection treats it exactly like a running engine.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

// DefaultMaxLineBytes bounds a single transcript line.
const DefaultMaxLineBytes = 10 * 1024 * 1024

// Option configures Load and Follower.
type Option func(*options)

type options struct {
	registry     *convert.Registry
	logger       *slog.Logger
	maxLineBytes int
	fromStart    bool
}

// WithRegistry sets the registry used for conversion.
func WithRegistry(r *convert.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLineBytes = n
		}
	}
}

// WithFromStart makes a Follower publish lines already in the file before
// following new ones. Defaults to true.
func WithFromStart(v bool) Option {
	return func(o *options) { o.fromStart = v }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		maxLineBytes: DefaultMaxLineBytes,
		fromStart:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = convert.NewDefaultRegistry(convert.WithLogger(o.logger))
	}
	return o
}

// LoadResult summarizes a Load.
type LoadResult struct {
	Messages []*canonical.Message
	Lines    int
	Skipped  int
	// Missing is true when the file did not exist and an empty session was
	// created instead.
	Missing bool
}

// ReadLines returns every non-empty line of r.
func ReadLines(r io.Reader, maxLineBytes int) ([]string, error) {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lines []string
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("scan JSONL: %w", err)
	}
	return lines, nil
}

// Load reads the transcript at path into store under sessionID. A missing
// file is not an error: the session is created empty. Unparseable lines are
// kept in the raw list and skipped for messages.
func Load(path, sessionID string, e engine.Type, store *sessionstore.Store, opts ...Option) (*LoadResult, error) {
	o := buildOptions(opts)
	logger := o.logger.With("path", path, "session_id", sessionID)

	if _, ok := store.Session(sessionID); !ok {
		store.CreateSession(sessionID, e)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("transcript not found, starting new session")
		return &LoadResult{Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	lines, err := ReadLines(f, o.maxLineBytes)
	if err != nil {
		return nil, err
	}

	o.registry.Reset(e)
	defer o.registry.Reset(e)

	res := &LoadResult{Lines: len(lines)}
	var engineSessionID string
	for _, line := range lines {
		r := o.registry.ConvertLine(line, e)
		if r.Message == nil {
			res.Skipped++
			if r.Err != nil {
				logger.Debug("skipping transcript line", "error", r.Err)
			}
			continue
		}
		if engineSessionID == "" && r.Message.SessionID != "" {
			engineSessionID = r.Message.SessionID
		}
		res.Messages = append(res.Messages, r.Message)
	}

	store.SetRawJSONL(sessionID, lines)
	store.SetMessages(sessionID, res.Messages)
	if engineSessionID != "" {
		store.SetClaudeSessionID(sessionID, engineSessionID)
	}
	logger.Info("loaded transcript", "lines", res.Lines, "messages", len(res.Messages), "skipped", res.Skipped)
	return res, nil
}
