package main

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/history"
	"github.com/bazelment/yoloswe/enginestream/sessionstore"
)

var (
	sessionID  string
	replayJSON bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Load a transcript into a session and summarize it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		id := resolveSessionID(args[0])
		store := sessionstore.New(sessionstore.WithLogger(logger))
		res, err := history.Load(args[0], id, cfg.Engine(), store,
			history.WithRegistry(cfg.NewRegistry(convert.WithLogger(logger))),
			history.WithLogger(logger),
			history.WithMaxLineBytes(cfg.History.MaxLineBytes))
		if err != nil {
			return err
		}
		if res.Missing {
			logger.Warn("transcript not found, session is empty", "path", args[0])
		}

		d, _ := store.Session(id)
		if replayJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range d.Messages {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		}
		renderSession(cmd.OutOrStdout(), d)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&sessionID, "session", "", "Session id (default: file name without extension)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the canonical messages instead of a summary")
}

// resolveSessionID returns --session or the transcript's base name.
func resolveSessionID(path string) string {
	if sessionID != "" {
		return sessionID
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
