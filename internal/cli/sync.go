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

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	All    bool
	Force  bool
	Filter offline.Filter
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [type:id[:owner]]",
		Short: "Transmit pending mutations",
		Long: `Transmit the pending mutations of one resource, or of every resource
with --all.

A single resource is always synced. With --all, resources synced within
their throttle interval are skipped unless --force is given.

Example:
  lmsync sync forum_reply:7:3
  lmsync sync --all --type forum_reply
  lmsync sync --all --force`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case opts.All && len(args) > 0:
				return usageError(opts.RootOptions, cmd, "a resource key and --all are mutually exclusive")
			case !opts.All && len(args) == 0:
				return usageError(opts.RootOptions, cmd, "a resource key or --all is required")
			case opts.All:
				return runSyncAll(opts, cmd)
			default:
				return runSyncOne(opts, args[0], cmd)
			}
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every resource with pending mutations")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "ignore the throttle interval")
	cmd.Flags().StringVar(&opts.Filter.ResourceType, "type", "", "with --all, only this resource type")
	cmd.Flags().StringVar(&opts.Filter.OwnerUserID, "owner", "", "with --all, only this owner user id")

	return cmd
}

// SyncOutput is the JSON output of a single-resource sync.
type SyncOutput struct {
	Key      string   `json:"key"`
	Updated  bool     `json:"updated"`
	Warnings []string `json:"warnings"`
}

func runSyncOne(opts *SyncOptions, rawKey string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	key, err := model.ParseResourceKey(rawKey)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid resource key", err)
	}

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.SyncNow(ctx, key)
		if err != nil {
			return formatter.Fail("sync failed", err)
		}
		out := SyncOutput{Key: key.String(), Updated: res.Updated, Warnings: res.Warnings}
		return formatter.Result(out, func(w io.Writer) {
			writeSyncLine(w, out)
		})
	})
}

// SyncAllOutput is the JSON output of sync --all.
type SyncAllOutput struct {
	Synced  []SyncOutput `json:"synced"`
	Skipped []string     `json:"skipped,omitempty"`
	Failed  []SyncFailed `json:"failed,omitempty"`
}

// SyncFailed reports one resource whose sync failed.
type SyncFailed struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

func runSyncAll(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		// Per-resource failures come back joined alongside the batch.
		batch, err := eng.SyncAll(ctx, opts.Filter, opts.Force)
		if err != nil && len(batch.Keys) == 0 {
			return formatter.Fail("sync failed", err)
		}

		out := SyncAllOutput{Synced: []SyncOutput{}}
		for _, kr := range batch.Keys {
			switch {
			case kr.Err != nil:
				out.Failed = append(out.Failed, SyncFailed{Key: kr.Key.String(), Error: kr.Err.Error()})
			case kr.Skipped:
				out.Skipped = append(out.Skipped, kr.Key.String())
			default:
				out.Synced = append(out.Synced, SyncOutput{
					Key:      kr.Key.String(),
					Updated:  kr.Result.Updated,
					Warnings: kr.Result.Warnings,
				})
			}
		}

		if rerr := formatter.Result(out, func(w io.Writer) {
			if len(batch.Keys) == 0 {
				fmt.Fprintln(w, "Nothing to sync")
				return
			}
			for _, s := range out.Synced {
				writeSyncLine(w, s)
			}
			for _, k := range out.Skipped {
				fmt.Fprintf(w, "- %s skipped\n", k)
			}
			for _, f := range out.Failed {
				fmt.Fprintf(w, "✗ %s: %s\n", f.Key, f.Error)
			}
		}); rerr != nil {
			return rerr
		}

		if len(out.Failed) > 0 {
			return WrapExitError(ExitFailure, fmt.Sprintf("%d resource(s) failed to sync", len(out.Failed)), batch.Err())
		}
		return nil
	})
}

func writeSyncLine(w io.Writer, s SyncOutput) {
	state := "nothing sent"
	if s.Updated {
		state = "updated"
	}
	fmt.Fprintf(w, "✓ %s %s\n", s.Key, state)
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warning)
	}
}
