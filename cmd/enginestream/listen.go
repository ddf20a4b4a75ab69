package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/eventbus/wsbus"
	"github.com/bazelment/yoloswe/enginestream/hub"
)

var errNoURL = errors.New("no websocket URL: pass --url or set bus.websocket_url")

var (
	listenURL    string
	listenGlobal bool
)

var listenCmd = &cobra.Command{
	Use:   "listen <session>",
	Short: "Print canonical messages for a session pushed over websocket",
	Long: `Dials a websocket event server and prints the canonical messages of one
session until it completes. With --global the session also accepts lines
from the engine's shared output channel addressed to this tab; a tab id is
generated when none is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		url := listenURL
		if url == "" {
			url = cfg.Bus.WebsocketURL
		}
		if url == "" {
			return errNoURL
		}
		tab := cfg.TabID
		if listenGlobal && tab == "" {
			tab = uuid.NewString()
		}
		if tab != "" {
			logger.Info("listening on global output", "tab_id", tab)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := wsbus.Dial(ctx, url, wsbus.WithLogger(logger))
		if err != nil {
			return err
		}
		defer client.Close()

		h := hub.New(
			hub.WithBus(client),
			hub.WithLogger(logger),
			hub.WithTabID(tab),
			hub.WithRegistryFactory(func() *convert.Registry {
				return cfg.NewRegistry(convert.WithLogger(logger))
			}))
		defer h.Shutdown()

		e := cfg.Engine()
		conn, err := h.OpenSession(ctx, e, args[0])
		if err != nil {
			return err
		}
		go func() {
			select {
			case <-client.Done():
				if err := client.Err(); err != nil {
					logger.Warn("event stream ended", "error", err)
				}
				h.CloseSession(e, args[0])
			case <-ctx.Done():
			}
		}()

		if err := printMessages(ctx, cmd, conn); err != nil {
			return err
		}
		if d, ok := h.Store().Session(args[0]); ok {
			renderSession(cmd.ErrOrStderr(), d)
		}
		return nil
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenURL, "url", "", "Websocket URL (default: bus.websocket_url)")
	listenCmd.Flags().BoolVar(&listenGlobal, "global", false, "Also accept tab-addressed lines from the global output channel")
}
