package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
)

// Follower tails a transcript file and publishes each complete line as an
// output payload for (engine, session). Stop publishes completion.
type Follower struct {
	pub       eventbus.Publisher
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	path      string
	engine    engine.Type
	sessionID string
	partial   []byte
	offset    int64
	opts      options
	wg        sync.WaitGroup
	stopOnce  sync.Once
	endOnce   sync.Once
	published atomic.Int64
}

// NewFollower creates a follower for path. Call Start to begin.
func NewFollower(path string, e engine.Type, sessionID string, pub eventbus.Publisher, opts ...Option) *Follower {
	o := buildOptions(opts)
	return &Follower{
		pub:       pub,
		logger:    o.logger.With("path", path, "engine", e, "session_id", sessionID),
		stop:      make(chan struct{}),
		path:      path,
		engine:    e,
		sessionID: sessionID,
		opts:      o,
	}
}

// Start publishes existing content (unless WithFromStart(false)) and begins
// watching for appends. The file does not need to exist yet.
func (f *Follower) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so create/rename of the file itself is seen.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = w

	if !f.opts.fromStart {
		if info, err := os.Stat(f.path); err == nil {
			f.offset = info.Size()
		}
	}
	f.readNew()

	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Published returns the number of lines published so far.
func (f *Follower) Published() int { return int(f.published.Load()) }

// Stop ends following and publishes a successful completion. Idempotent.
func (f *Follower) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
	f.end()
}

func (f *Follower) loop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			f.end()
			return
		case <-f.stop:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				f.readNew()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				f.logger.Debug("transcript moved away, waiting for it to reappear")
				f.offset = 0
				f.partial = nil
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("watcher error", "error", err)
			f.publishError(err.Error())
		}
	}
}

// end closes the watcher, flushes a trailing unterminated line and
// publishes completion once.
func (f *Follower) end() {
	f.endOnce.Do(func() {
		if f.watcher != nil {
			f.watcher.Close()
		}
		if line := bytes.TrimSpace(f.partial); len(line) > 0 {
			f.publishLine(string(line))
			f.partial = nil
		}
		if err := f.pub.Publish(f.engine.CompleteChannel(f.sessionID), mustJSON(true)); err != nil {
			f.logger.Debug("could not publish completion", "error", err)
		}
	})
}

// readNew publishes every complete line appended since the last read.
func (f *Follower) readNew() {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		f.logger.Warn("open transcript", "error", err)
		return
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < f.offset {
		f.logger.Debug("transcript truncated, restarting from the top")
		f.offset = 0
		f.partial = nil
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		f.logger.Warn("seek transcript", "error", err)
		return
	}

	r := bufio.NewReader(file)
	for {
		chunk, err := r.ReadBytes('\n')
		f.offset += int64(len(chunk))
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			line := append(f.partial, chunk[:len(chunk)-1]...)
			f.partial = nil
			if len(line) > f.opts.maxLineBytes {
				f.logger.Warn("dropping oversized line", "bytes", len(line))
				continue
			}
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				f.publishLine(string(trimmed))
			}
		} else if len(chunk) > 0 {
			f.partial = append(f.partial, chunk...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Warn("read transcript", "error", err)
			}
			return
		}
	}
}

func (f *Follower) publishLine(line string) {
	if err := f.pub.Publish(f.engine.OutputChannel(f.sessionID), mustJSON(line)); err != nil {
		f.logger.Debug("could not publish line", "error", err)
		return
	}
	f.published.Add(1)
}

func (f *Follower) publishError(msg string) {
	if err := f.pub.Publish(f.engine.ErrorChannel(f.sessionID), mustJSON(msg)); err != nil {
		f.logger.Debug("could not publish error", "error", err)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
