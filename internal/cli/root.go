// Package cli implements auditctl, the operator command line for storage
// audits. Every command talks to the coordinator's audit endpoints.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/torua-audit/internal/cluster"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// options are the flags shared by every command.
type options struct {
	coordinator string
	output      string
	timeout     time.Duration
}

func (o *options) client() *cluster.Client {
	return cluster.NewClient(o.timeout)
}

// print writes v as indented JSON, or calls text when the output format is
// text.
func (o *options) print(w io.Writer, v any, text func(io.Writer)) error {
	switch o.output {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputText:
		text(w)
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text or json)", o.output)
}

// NewRootCmd builds the auditctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Start and inspect storage consistency audits",
		Long:          "Starts, cancels and reports on audits that compare shard copies, shard locations and storage server assignments across a Torua cluster.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	coord := os.Getenv("TORUA_COORDINATOR")
	if coord == "" {
		coord = "http://127.0.0.1:8080"
	}
	root.PersistentFlags().StringVar(&opts.coordinator, "coordinator", coord, "Coordinator base URL (env TORUA_COORDINATOR)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "Output format (text|json)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")

	root.AddCommand(
		newStartCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newProgressCmd(opts),
	)
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
		os.Exit(1)
	}
}
