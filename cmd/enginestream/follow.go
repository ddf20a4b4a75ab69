package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/enginestream/connection"
	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/eventbus"
	"github.com/bazelment/yoloswe/enginestream/eventbus/wsbus"
	"github.com/bazelment/yoloswe/enginestream/history"
	"github.com/bazelment/yoloswe/enginestream/hub"
)

var (
	followExisting bool
	serveAddr      string
)

var followCmd = &cobra.Command{
	Use:   "follow <file>",
	Short: "Tail a transcript and print canonical messages as they arrive",
	Long: `Follows a transcript file that an engine is still writing. Each new line
is published on the session's output channel and printed as a canonical
message. With --serve the same events are pushed to websocket clients,
which can attach with "enginestream listen".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id := resolveSessionID(args[0])
		e := cfg.Engine()
		bus := eventbus.NewLocal(eventbus.WithLogger(logger))
		defer bus.Close()

		if serveAddr != "" {
			shutdown, err := serveBus(ctx, bus, serveAddr, logger)
			if err != nil {
				return err
			}
			defer shutdown()
		}

		h := hub.New(
			hub.WithBus(bus),
			hub.WithLogger(logger),
			hub.WithTabID(cfg.TabID),
			hub.WithRegistryFactory(func() *convert.Registry {
				return cfg.NewRegistry(convert.WithLogger(logger))
			}))
		defer h.Shutdown()

		conn, err := h.OpenSession(ctx, e, id)
		if err != nil {
			return err
		}

		f := history.NewFollower(args[0], e, id, bus,
			history.WithLogger(logger),
			history.WithFromStart(followExisting),
			history.WithMaxLineBytes(cfg.History.MaxLineBytes))
		if err := f.Start(ctx); err != nil {
			return err
		}
		defer f.Stop()

		if err := printMessages(ctx, cmd, conn); err != nil {
			return err
		}
		f.Stop()
		if d, ok := h.Store().Session(id); ok {
			renderSession(cmd.ErrOrStderr(), d)
		}
		return nil
	},
}

func init() {
	followCmd.Flags().StringVar(&sessionID, "session", "", "Session id (default: file name without extension)")
	followCmd.Flags().BoolVar(&followExisting, "from-start", true, "Emit lines already in the file before following")
	followCmd.Flags().StringVar(&serveAddr, "serve", "", "Also push events to websocket clients on this address (e.g. :8765)")
}

// printMessages writes each canonical message from conn until the session
// completes or ctx is cancelled.
func printMessages(ctx context.Context, cmd *cobra.Command, conn *connection.Connection) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for m, err := range conn.Messages().All(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

// serveBus exposes bus over websocket at addr. The returned func stops the
// server.
func serveBus(ctx context.Context, bus *eventbus.Local, addr string, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/events", wsbus.NewServer(bus, wsbus.WithLogger(logger)))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("event server stopped", "error", err)
		}
	}()
	logger.Info("serving events", "url", "ws://"+ln.Addr().String()+"/events")
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
