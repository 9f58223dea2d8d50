package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/torua-audit/internal/auditmeta"
	"github.com/dreamware/torua-audit/internal/cluster"
	"github.com/dreamware/torua-audit/internal/keyrange"
)

func newStartCmd(opts *options) *cobra.Command {
	var (
		begin, end string
		wait       bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <type>",
		Short: "Start an audit",
		Long: `Starts an audit of the given type (ha, replica, locationmetadata, ssshard)
over [--begin, --end). Keys accept Go escapes, so --end '\xff' is the end of
the user key space. ssshard audits always cover every storage server and
ignore the range. A running audit of the same type that covers the range is
reused; while any other audit of the type runs the request is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := auditmeta.ParseType(args[0])
			if err != nil {
				return err
			}
			r, err := parseRange(begin, end)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client := opts.client()
			id, err := client.TriggerAudit(ctx, opts.coordinator, t, r)
			if err != nil {
				return fmt.Errorf("failed to start %s audit: %w", t, err)
			}
			if !wait {
				return opts.print(cmd.OutOrStdout(), cluster.TriggerAuditReply{ID: id}, func(w io.Writer) {
					fmt.Fprintf(w, "started %s audit %d over %s\n", t, id, r)
				})
			}

			st, err := waitForAudit(ctx, client, opts.coordinator, t, id, interval)
			if err != nil {
				return err
			}
			if err := opts.print(cmd.OutOrStdout(), st, func(w io.Writer) { printStates(w, []auditmeta.State{st}) }); err != nil {
				return err
			}
			if st.Phase != auditmeta.PhaseComplete {
				return fmt.Errorf("%s audit %d finished %s", t, id, st.Phase)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&begin, "begin", "", "First key of the range")
	cmd.Flags().StringVar(&end, "end", keyrange.EncodeKey(keyrange.AllKeys.End), "Key after the range")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the audit to finish; exit non-zero unless it completes cleanly")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --wait")
	return cmd
}

func parseRange(begin, end string) (keyrange.Range, error) {
	b, err := keyrange.DecodeKey(begin)
	if err != nil {
		return keyrange.Range{}, err
	}
	e, err := keyrange.DecodeKey(end)
	if err != nil {
		return keyrange.Range{}, err
	}
	r := keyrange.New(b, e)
	if r.Empty() {
		return r, fmt.Errorf("empty range %s", r)
	}
	return r, nil
}

// waitForAudit polls until audit id leaves the running phase.
func waitForAudit(ctx context.Context, client *cluster.Client, coord string, t auditmeta.Type, id uint64, interval time.Duration) (auditmeta.State, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		states, err := client.GetAuditStates(ctx, coord, cluster.GetAuditStatesRequest{Type: t, ID: id})
		if err != nil {
			return auditmeta.State{}, err
		}
		if len(states) == 1 && states[0].Phase != auditmeta.PhaseRunning {
			return states[0], nil
		}
		select {
		case <-ctx.Done():
			return auditmeta.State{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
