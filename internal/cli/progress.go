package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/torua-audit/internal/auditmeta"
)

func newProgressCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <type> <id>",
		Short: "Show how far an audit got",
		Long:  "Summarises the checked, failed and unchecked parts of an audit's range, or of every storage server for ssshard audits.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseTypeAndID(args[0], args[1])
			if err != nil {
				return err
			}
			p, err := opts.client().GetAuditProgress(cmd.Context(), opts.coordinator, t, id)
			if err != nil {
				return fmt.Errorf("failed to read progress of %s audit %d: %w", t, id, err)
			}
			return opts.print(cmd.OutOrStdout(), p, func(w io.Writer) { printProgress(w, p) })
		},
	}
}

func printProgress(w io.Writer, p auditmeta.Progress) {
	fmt.Fprintf(w, "%s audit %d\n", p.Type, p.ID)
	if p.Type.RangeBased() {
		fmt.Fprintf(w, "  complete segments: %d\n", p.CompleteSegments)
		fmt.Fprintf(w, "  error segments:    %d\n", p.ErrorSegments)
		fmt.Fprintf(w, "  unchecked:         %d\n", p.InvalidSegments)
		for _, r := range p.Errors {
			fmt.Fprintf(w, "  error in %s\n", r)
		}
		for _, r := range p.Unfinished {
			fmt.Fprintf(w, "  unchecked %s\n", r)
		}
		return
	}
	fmt.Fprintf(w, "  servers finished:  %d\n", p.ServersFinished)
	if len(p.ServersWithErrors) > 0 {
		fmt.Fprintf(w, "  servers with errors: %s\n", strings.Join(p.ServersWithErrors, ", "))
	}
	if len(p.ServersUnfinished) > 0 {
		fmt.Fprintf(w, "  servers unfinished:  %s\n", strings.Join(p.ServersUnfinished, ", "))
	}
}
