package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// AuditData is the report of the audit command. Token correlates the run
// in logs and tickets.
type AuditData struct {
	Token         string   `json:"token"`
	States        uint64   `json:"states"`
	Tips          uint64   `json:"tips"`
	TipsReachable uint64   `json:"tips_reachable"`
	Clean         bool     `json:"clean"`
	Violations    []string `json:"violations,omitempty"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Recompute the derived state and report divergences",
		Long: `Run the invariant auditor: recompute child counters, flag implications
and both tip indices with read-only queries, and diff them against the
stored state. Exits non-zero when any invariant is broken.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(rootOpts, cmd)
		},
	}
}

func runAudit(opts *RootOptions, cmd *cobra.Command) error {
	e := newEmitter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := openStore(opts, e.diag)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.Audit()
	if err != nil {
		return usageError("audit failed to run", err)
	}

	data := &AuditData{
		Token:         uuid.Must(uuid.NewV7()).String(),
		States:        report.States,
		Tips:          report.Tips,
		TipsReachable: report.TipsReachable,
		Clean:         report.Clean(),
		Violations:    report.Violations,
	}

	if err := e.emit(data); err != nil {
		return err
	}
	if !data.Clean {
		return violationsError(len(data.Violations))
	}
	return nil
}

func (d *AuditData) renderText(w io.Writer) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "audit %s\n", d.Token)
	p.Fprintf(w, "states: %d, tips: %d, reachable tips: %d\n",
		d.States, d.Tips, d.TipsReachable)
	if d.Clean {
		fmt.Fprintln(w, "clean")
		return nil
	}
	for _, v := range d.Violations {
		fmt.Fprintf(w, "violation: %s\n", v)
	}
	return nil
}
