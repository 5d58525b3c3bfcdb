package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands. Environment variables
// provide the defaults; flags override them.
type RootOptions struct {
	Verbose bool   `env:"RECONCILE_VERBOSE"`
	Format  string `env:"RECONCILE_FORMAT" envDefault:"text"` // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reconcile CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	if err := env.Parse(opts); err != nil {
		// Bad environment falls back to zero values; flags still work.
		opts = &RootOptions{Format: "text"}
	}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Optimistic mutation reconciliation engine",
		Long:  "Scenario tooling for the optimistic mutation and reconciliation engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", opts.Verbose, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", opts.Format, "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// configureLogging routes engine logs to stderr. Quiet by default so text
// and JSON command output stay clean; verbose surfaces the engine's debug
// stream.
func configureLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
