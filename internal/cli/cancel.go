package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
)

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <type> <id>",
		Short: "Cancel a running audit",
		Long:  "Marks the audit failed and stops its work. Cancelling a finished or unknown audit succeeds and changes nothing.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseTypeAndID(args[0], args[1])
			if err != nil {
				return err
			}
			if err := opts.client().CancelAudit(cmd.Context(), opts.coordinator, t, id); err != nil {
				return fmt.Errorf("failed to cancel %s audit %d: %w", t, id, err)
			}
			return opts.print(cmd.OutOrStdout(), cluster.TriggerAuditReply{ID: id}, func(w io.Writer) {
				fmt.Fprintf(w, "cancelled %s audit %d\n", t, id)
			})
		},
	}
}

func parseTypeAndID(typ, id string) (auditmeta.Type, uint64, error) {
	t, err := auditmeta.ParseType(typ)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return 0, 0, fmt.Errorf("invalid audit id %q", id)
	}
	return t, n, nil
}
