package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/enginestream/canonical"
	"github.com/bazelment/yoloswe/enginestream/config"
	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/history"
)

var knownOnly bool

var convertCmd = &cobra.Command{
	Use:   "convert [file]",
	Short: "Convert a JSONL stream to canonical messages",
	Long: `Reads engine JSONL from a file (or stdin when the file is omitted or "-")
and writes one canonical message per line to stdout. Lines no converter
accepts are skipped and counted on stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		reg := cfg.NewRegistry(convert.WithLogger(logger))
		converted, skipped, err := convertStream(in, cmd.OutOrStdout(), reg, cfg)
		if err != nil {
			return err
		}
		renderCounts(cmd.ErrOrStderr(), converted, skipped)
		return nil
	},
}

func init() {
	convertCmd.Flags().BoolVar(&knownOnly, "known-only", false, "Drop messages whose type is outside the canonical set")
}

// convertStream converts every line of in and encodes the results to out.
func convertStream(in io.Reader, out io.Writer, reg *convert.Registry, cfg *config.Config) (int, int, error) {
	lines, err := history.ReadLines(in, cfg.History.MaxLineBytes)
	if err != nil {
		return 0, 0, err
	}
	enc := json.NewEncoder(out)
	var converted, skipped int
	for _, line := range lines {
		res := reg.ConvertLine(line, cfg.Engine())
		if res.Message == nil || (knownOnly && !canonical.IsKnownType(res.Message.Type)) {
			skipped++
			continue
		}
		if err := enc.Encode(res.Message); err != nil {
			return converted, skipped, fmt.Errorf("write message: %w", err)
		}
		converted++
	}
	return converted, skipped, nil
}
