// Package asyncqueue decouples a push-based event source from a single
// pull-based consumer while preserving arrival order.
//
// The buffer is unbounded. Bursts are expected to be bounded by the cadence
// of the event source, not by producer volume, so no overflow policy is
// applied.
package asyncqueue

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
)

var (
	// ErrDone is returned by Next once the queue is finished and drained.
	ErrDone = errors.New("queue done")

	// ErrAlreadyIterated is the panic value raised when All is called on a
	// queue that has already been iterated.
	ErrAlreadyIterated = errors.New("queue already iterated")

	// ErrConcurrentNext is returned when a second consumer calls Next while
	// another one is already waiting.
	ErrConcurrentNext = errors.New("queue already has a waiting consumer")
)

// Option configures a Queue.
type Option func(*options)

type options struct {
	cleanup func()
	logger  *slog.Logger
}

// WithCleanup registers a callback run once when the consumer terminates
// early via Return. Owners use it to release upstream subscriptions.
func WithCleanup(fn func()) Option {
	return func(o *options) { o.cleanup = fn }
}

// WithLogger sets the logger used for dropped-value warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Queue is a single-consumer FIFO. Any number of goroutines may produce,
// exactly one may consume.
type Queue[T any] struct {
	err      error
	waiter   chan T
	cleanup  func()
	logger   *slog.Logger
	buf      []T
	mu       sync.Mutex
	done     bool
	iterated bool
	returned bool
}

// New creates an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Queue[T]{
		cleanup: o.cleanup,
		logger:  o.logger,
	}
}

// Enqueue adds v. If a consumer is waiting, v is handed to it directly.
// After Done, Fail or Return the value is dropped with a warning and
// Enqueue returns false.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		q.logger.Warn("asyncqueue: enqueue after done, dropping value")
		return false
	}
	if w := q.waiter; w != nil {
		q.waiter = nil
		w <- v // cap 1, never blocks
		q.mu.Unlock()
		return true
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()
	return true
}

// Next returns the next value in arrival order. Buffered values are always
// drained before the terminal error (ErrDone or the error passed to Fail) is
// reported. When nothing is buffered Next blocks until a producer, a
// terminal call, or ctx wakes it.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	if len(q.buf) > 0 {
		v := q.buf[0]
		q.buf[0] = zero
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return v, nil
	}
	if q.done {
		err := q.terminalErrLocked()
		q.mu.Unlock()
		return zero, err
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return zero, ErrConcurrentNext
	}
	ch := make(chan T, 1)
	q.waiter = ch
	q.mu.Unlock()

	select {
	case v, ok := <-ch:
		if !ok {
			q.mu.Lock()
			err := q.terminalErrLocked()
			q.mu.Unlock()
			return zero, err
		}
		return v, nil

	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == ch {
			q.waiter = nil
			q.mu.Unlock()
			return zero, ctx.Err()
		}
		// A producer or terminal call claimed the waiter concurrently; the
		// channel is already sent to or closed. Keep any handed-off value.
		if v, ok := <-ch; ok {
			q.buf = append([]T{v}, q.buf...)
		}
		q.mu.Unlock()
		return zero, ctx.Err()
	}
}

// Done marks that no further values will arrive. Idempotent.
func (q *Queue[T]) Done() {
	q.finish(nil)
}

// Fail terminates the queue with err. A waiting consumer receives err and so
// do later Next calls once the buffer is drained. Fail after Done (or a
// previous Fail) is a no-op. A nil err behaves like Done.
func (q *Queue[T]) Fail(err error) {
	q.finish(err)
}

// Return is the consumer's early-termination hook: it marks the queue done
// and runs the cleanup callback exactly once.
func (q *Queue[T]) Return() {
	q.finish(nil)

	q.mu.Lock()
	if q.returned {
		q.mu.Unlock()
		return
	}
	q.returned = true
	cleanup := q.cleanup
	q.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

// All starts the single permitted iteration over the queue. Calling All a
// second time panics with ErrAlreadyIterated. Breaking out of the loop or
// cancelling ctx calls Return. A failure recorded with Fail is yielded once
// as the final element.
func (q *Queue[T]) All(ctx context.Context) iter.Seq2[T, error] {
	q.mu.Lock()
	if q.iterated {
		q.mu.Unlock()
		panic(ErrAlreadyIterated)
	}
	q.iterated = true
	q.mu.Unlock()

	return func(yield func(T, error) bool) {
		for {
			v, err := q.Next(ctx)
			switch {
			case errors.Is(err, ErrDone):
				return
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				q.Return()
				yield(v, err)
				return
			case err != nil:
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				q.Return()
				return
			}
		}
	}
}

// Len returns the number of buffered values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Closed reports whether Done, Fail or Return has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *Queue[T]) finish(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.done = true
	q.err = err
	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}
}

func (q *Queue[T]) terminalErrLocked() error {
	if q.err != nil {
		return q.err
	}
	return ErrDone
}
