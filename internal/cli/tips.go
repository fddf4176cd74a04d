package cli

import (
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/chainstate/internal/chaindb"
)

// TipsData is the report of the tips command: the raw tip index ascending
// and the reachable tip index descending, exactly as the engine walks them.
type TipsData struct {
	Tips      []CursorData `json:"tips"`
	Reachable []CursorData `json:"reachable"`
}

// NewTipsCommand creates the tips command.
func NewTipsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tips",
		Short:         "List the tip indices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTips(rootOpts, cmd)
		},
	}
}

func runTips(opts *RootOptions, cmd *cobra.Command) error {
	e := newEmitter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := openStore(opts, e.diag)
	if err != nil {
		return err
	}
	defer s.Close()

	data := &TipsData{}
	if data.Tips, err = drainTips(s.EnumTips()); err != nil {
		return usageError("cannot walk tips", err)
	}
	if data.Reachable, err = drainTips(s.EnumFunctionalTips()); err != nil {
		return usageError("cannot walk reachable tips", err)
	}
	return e.emit(data)
}

func drainTips(w *chaindb.StateWalker, err error) ([]CursorData, error) {
	if err != nil {
		return nil, err
	}
	defer w.Close()

	out := []CursorData{}
	for w.Next() {
		out = append(out, CursorData{Height: w.Sid.Height, Row: w.Sid.Row})
	}
	return out, w.Err()
}

func (d *TipsData) renderText(w io.Writer) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "tips (%d):\n", len(d.Tips))
	for _, tip := range d.Tips {
		p.Fprintf(w, "  height %d, row %d\n", tip.Height, tip.Row)
	}
	p.Fprintf(w, "reachable tips (%d):\n", len(d.Reachable))
	for _, tip := range d.Reachable {
		p.Fprintf(w, "  height %d, row %d\n", tip.Height, tip.Row)
	}
	return nil
}
