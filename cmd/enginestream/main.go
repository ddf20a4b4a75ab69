// Command enginestream converts, replays and follows AI engine output
// streams as canonical messages.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/enginestream/config"
	"github.com/bazelment/yoloswe/enginestream/engine"
)

var (
	configPath string
	engineName string
	tabID      string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "enginestream",
	Short: "Normalize Claude, Codex and Gemini output streams",
	Long: `enginestream turns the JSONL streams written by AI coding engines into
one canonical message format. It can convert a file in one pass, replay a
transcript into a session summary, follow a transcript as it is written,
or listen to a remote event bus over websocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $"+config.EnvPath+" or ./"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVarP(&engineName, "engine", "e", "", "Preferred engine: claude, codex or gemini (overrides default_engine)")
	rootCmd.PersistentFlags().StringVar(&tabID, "tab-id", "", "Tab id for global output channels (overrides tab_id)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(convertCmd, replayCmd, followCmd, listenCmd, schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if engineName != "" {
		if _, err := engine.Parse(engineName); err != nil {
			return nil, fmt.Errorf("--engine: %w", err)
		}
		cfg.DefaultEngine = engineName
	}
	if tabID != "" {
		cfg.TabID = tabID
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newLogger writes text logs to an interactive stderr and JSON otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// setup loads config and installs the logger as the process default.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
