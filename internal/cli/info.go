package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/chainstate/internal/chaindb"
)

// CursorData names the active head in CLI output.
type CursorData struct {
	Height uint64 `json:"height"`
	Row    uint64 `json:"row"`
}

// InfoData is the report of the info command.
type InfoData struct {
	SchemaVersion uint64      `json:"schema_version"`
	Cursor        *CursorData `json:"cursor,omitempty"`
	States        uint64      `json:"states"`
	Tips          uint64      `json:"tips"`
	TipsReachable uint64      `json:"tips_reachable"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "info",
		Short:         "Show schema version, cursor and table populations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, cmd)
		},
	}
}

func runInfo(opts *RootOptions, cmd *cobra.Command) error {
	e := newEmitter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := openStore(opts, e.diag)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := gatherInfo(s)
	if err != nil {
		return usageError("cannot read database", err)
	}
	return e.emit(data)
}

func gatherInfo(s *chaindb.Store) (*InfoData, error) {
	version, err := s.ParamIntGetDefault(chaindb.ParamDbVer, 0)
	if err != nil {
		return nil, err
	}

	data := &InfoData{SchemaVersion: version}

	sid, ok, err := s.GetCursor()
	if err != nil {
		return nil, err
	}
	if ok {
		data.Cursor = &CursorData{Height: sid.Height, Row: sid.Row}
	}

	report, err := s.Audit()
	if err != nil {
		return nil, err
	}
	data.States = report.States
	data.Tips = report.Tips
	data.TipsReachable = report.TipsReachable
	return data, nil
}

func (d *InfoData) renderText(w io.Writer) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "schema version: %d\n", d.SchemaVersion)
	if d.Cursor != nil {
		p.Fprintf(w, "cursor: height %d, row %d\n", d.Cursor.Height, d.Cursor.Row)
	} else {
		fmt.Fprintln(w, "cursor: none")
	}
	p.Fprintf(w, "states: %d\n", d.States)
	p.Fprintf(w, "tips: %d\n", d.Tips)
	p.Fprintf(w, "reachable tips: %d\n", d.TipsReachable)
	return nil
}
