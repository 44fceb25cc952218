package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/offline"
)

// NewPendingCommand creates the pending command group.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and discard queued offline mutations",
	}
	cmd.AddCommand(newPendingListCommand(rootOpts))
	cmd.AddCommand(newPendingDiscardCommand(rootOpts))
	return cmd
}

// PendingListOptions holds flags for pending list.
type PendingListOptions struct {
	*RootOptions
	Filter offline.Filter
}

func newPendingListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending mutations in sync order",
		Example: `  lmsync pending list
  lmsync pending list --type forum_reply --owner 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter.ResourceType, "type", "", "only this resource type")
	cmd.Flags().StringVar(&opts.Filter.ResourceID, "id", "", "only this resource id")
	cmd.Flags().StringVar(&opts.Filter.OwnerUserID, "owner", "", "only this owner user id")

	return cmd
}

// PendingListResult is the JSON output of pending list.
type PendingListResult struct {
	Count     int                     `json:"count"`
	Mutations []model.PendingMutation `json:"mutations"`
}

func runPendingList(opts *PendingListOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		mutations, err := eng.Pending(ctx, opts.Filter)
		if err != nil {
			return formatter.Fail("failed to list pending mutations", err)
		}
		result := PendingListResult{Count: len(mutations), Mutations: mutations}
		return formatter.Result(result, func(w io.Writer) {
			if len(mutations) == 0 {
				fmt.Fprintln(w, "No pending mutations")
				return
			}
			for _, m := range mutations {
				fmt.Fprintf(w, "%4d  %-30s  %-6s  %s  %s\n",
					m.Seq, m.Key(), m.Kind, m.Method, m.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(w, "%d pending mutation(s)\n", len(mutations))
		})
	})
}

func newPendingDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <type:id[:owner]>",
		Short: "Discard the pending mutations of a resource",
		Long: `Discard every pending mutation of a resource without sending it.

The local change is lost; the site keeps its current state.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingDiscard(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

// DiscardResult is the JSON output of pending discard.
type DiscardResult struct {
	Key       string `json:"key"`
	Discarded int    `json:"discarded"`
}

func runPendingDiscard(opts *RootOptions, rawKey string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	key, err := model.ParseResourceKey(rawKey)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid resource key", err)
	}

	return withEngine(opts, cmd, func(ctx context.Context, eng *engine.Engine) error {
		n, err := eng.Discard(ctx, key)
		if err != nil {
			return formatter.Fail("discard failed", err)
		}
		return formatter.Result(DiscardResult{Key: key.String(), Discarded: n}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Discarded %d pending mutation(s) of %s\n", n, key)
		})
	})
}
