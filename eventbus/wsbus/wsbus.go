// Package wsbus carries event-bus traffic over a websocket. Each text frame
// is one eventbus.Event encoded as {"event": channel, "payload": json}.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bazelment/yoloswe/enginestream/asyncqueue"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// DefaultBacklog is how many events a server lets pile up for one
	// client before disconnecting it.
	DefaultBacklog = 1 << 16
)

// Client is a Bus fed by frames pushed from a remote Server.
type Client struct {
	conn    *websocket.Conn
	local   *eventbus.Local
	logger  *slog.Logger
	done    chan struct{}
	err     error
	writeMu sync.Mutex
	errMu   sync.Mutex
	once    sync.Once
}

// Option configures a Client or Server.
type Option func(*settings)

type settings struct {
	logger  *slog.Logger
	dialer  *websocket.Dialer
	backlog int
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithBacklog sets how many undelivered events a Server keeps per client.
// A client that falls further behind is disconnected with
// websocket.CloseTryAgainLater. n <= 0 removes the limit.
func WithBacklog(n int) Option {
	return func(s *settings) { s.backlog = n }
}

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

func buildSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), dialer: websocket.DefaultDialer, backlog: DefaultBacklog}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Dial connects to url and starts republishing received frames locally.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	s := buildSettings(opts)
	conn, resp, err := s.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		local:  eventbus.NewLocal(eventbus.WithLogger(s.logger)),
		logger: s.logger,
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Subscribe implements eventbus.Bus.
func (c *Client) Subscribe(channel string, h eventbus.Handler) (eventbus.Unsubscribe, error) {
	return c.local.Subscribe(channel, h)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(nil)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.conn.Close()
		c.local.Close()
		close(c.done)
	})
}

func (c *Client) readPump() {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}

		var ev eventbus.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Channel == "" {
			c.logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		if err := c.local.Publish(ev.Channel, ev.Payload); err != nil {
			return
		}
	}
}

var _ eventbus.Bus = (*Client)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server pushes every event published on a Local bus to each connected
// websocket client. Delivery is lossless and ordered; a client that cannot
// keep up is disconnected rather than silently skipped.
type Server struct {
	source  *eventbus.Local
	logger  *slog.Logger
	wg      sync.WaitGroup
	clients atomic.Int64
	backlog int
}

// NewServer creates a Server that forwards events from source.
func NewServer(source *eventbus.Local, opts ...Option) *Server {
	s := buildSettings(opts)
	return &Server{source: source, logger: s.logger, backlog: s.backlog}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the source bus closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	tail := s.source.Tail(s.backlog)
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan eventbus.Event)
	ended := make(chan error, 1)
	gone := make(chan struct{})
	s.clients.Add(1)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readPump(conn, gone)
	}()
	go func() {
		defer s.wg.Done()
		ended <- forward(ctx, tail, events)
		close(events)
	}()
	go func() {
		defer s.wg.Done()
		defer s.clients.Add(-1)
		defer tail.Return()
		defer cancel()
		s.writePump(conn, events, ended, gone)
	}()
}

// forward moves events from the tail to out one at a time, so the backlog
// stays in the tail where its limit applies.
func forward(ctx context.Context, tail *asyncqueue.Queue[eventbus.Event], out chan<- eventbus.Event) error {
	for {
		ev, err := tail.Next(ctx)
		if errors.Is(err, asyncqueue.ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Wait blocks until every client pump has exited.
func (s *Server) Wait() { s.wg.Wait() }

// readPump only services control frames; clients do not publish.
func (s *Server) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket client read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan eventbus.Event, ended <-chan error, gone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if err := <-ended; errors.Is(err, eventbus.ErrBacklog) {
					s.logger.Warn("disconnecting slow websocket client", "backlog", s.backlog)
					code, reason = websocket.CloseTryAgainLater, "client too slow"
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "channel", ev.Channel, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-gone:
			return
		}
	}
}
