// Package cli exposes the inspection tooling for chain-state databases.
//
// The engine itself never logs and has no command surface; everything
// operator-facing lives here. The root command is exported for embedding.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/chainstate/internal/chaindb"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // formatText or formatJSON
	DB      string // database path; overrides the config file
	Config  string // optional YAML config file
}

// NewRootCommand creates the root command for the chainstate CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chainstate",
		Short: "Inspect a chain-state database",
		Long:  "Read-mostly tooling over the chain-state storage engine: head cursor, tip indices, and the invariant auditor.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != formatText && opts.Format != formatJSON {
				return fmt.Errorf("invalid format %q: must be %q or %q", opts.Format, formatText, formatJSON)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", formatText, "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to the chain-state database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to a YAML config file")

	// Add subcommands
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewTipsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

// openStore resolves the database path from flags and config and opens it.
// Diagnostics go to diag, never to the report stream.
func openStore(opts *RootOptions, diag io.Writer) (*chaindb.Store, error) {
	path, err := resolveDBPath(opts)
	if err != nil {
		return nil, err
	}

	if opts.Verbose {
		logger := slog.New(slog.NewTextHandler(diag, nil))
		logger.Info("opening database", "path", path)
	}

	s, err := chaindb.Open(path)
	if err != nil {
		return nil, usageError("cannot open database", err)
	}
	return s, nil
}
