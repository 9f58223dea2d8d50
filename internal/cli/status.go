package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
)

func newStatusCmd(opts *options) *cobra.Command {
	var (
		id    uint64
		phase string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "status <type>",
		Short: "List audit records",
		Long:  "Lists the newest audit records of a type, or the single record selected by --id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := auditmeta.ParseType(args[0])
			if err != nil {
				return err
			}
			req := cluster.GetAuditStatesRequest{Type: t, ID: id, Limit: limit}
			if phase != "" {
				if req.Phase, err = auditmeta.ParsePhase(phase); err != nil {
					return err
				}
			}
			states, err := opts.client().GetAuditStates(cmd.Context(), opts.coordinator, req)
			if err != nil {
				return fmt.Errorf("failed to read %s audits: %w", t, err)
			}
			return opts.print(cmd.OutOrStdout(), states, func(w io.Writer) {
				if len(states) == 0 {
					fmt.Fprintln(w, "No audits.")
					return
				}
				printStates(w, states)
			})
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "Show only this audit")
	cmd.Flags().StringVar(&phase, "phase", "", "Show only audits in this phase (running|complete|error|failed)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of audits to show")
	return cmd
}

func printStates(w io.Writer, states []auditmeta.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tPHASE\tRANGE\tUPDATED\tERROR")
	for _, st := range states {
		updated := "-"
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			st.ID, st.Type, st.Phase, st.Range, updated, truncate(st.Error, 60))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
