package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/model"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Kind     string
	Method   string
	Name     string
	EntryKey int64
	Params   []string
	JSON     string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <type:id[:owner]>",
		Short: "Write a change, queueing it when it cannot be sent",
		Long: `Write a change to a resource.

The change is sent right away when possible. It is queued in the pending
mutation log when the device is offline, the site is unavailable, or older
changes of the resource are still pending. A rejection by the site is
reported and nothing is queued.

The method defaults to the one the resource type defines for --kind.

Example:
  lmsync submit forum_reply:7:3 --name "Re: week 1" --params '{"postid":7,"subject":"Re","message":"ok"}'
  lmsync submit note:12 --kind create --param text=hello`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Kind, "kind", "k", string(model.OpUpdate), "operation kind (create|update|delete)")
	cmd.Flags().StringVarP(&opts.Method, "method", "m", "", "remote method (default: the resource type's method for --kind)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "label shown in sync warnings")
	cmd.Flags().Int64Var(&opts.EntryKey, "entry", 0, "entry key of an append-policy entry to edit")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "payload field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "params", "", "payload as a JSON object")

	return cmd
}

// SubmitOutput is the JSON output of submit.
type SubmitOutput struct {
	Queued   bool                  `json:"queued"`
	Mutation model.PendingMutation `json:"mutation"`
	Response json.RawMessage       `json:"response,omitempty"`
}

func runSubmit(opts *SubmitOptions, rawKey string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	key, err := model.ParseResourceKey(rawKey)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid resource key", err)
	}
	kind := model.OperationKind(opts.Kind)
	if !kind.Valid() {
		err := fmt.Errorf("invalid kind %q: must be create, update or delete", opts.Kind)
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid kind", err)
	}
	params, err := parseParams(opts.JSON, opts.Params)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}

	m := model.PendingMutation{
		ResourceType: key.Type,
		ResourceID:   key.ID,
		OwnerUserID:  key.Owner,
		EntryKey:     opts.EntryKey,
		Name:         opts.Name,
		Method:       opts.Method,
		Payload:      payload,
		Kind:         kind,
	}

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Submit(ctx, m)
		if err != nil {
			return formatter.Fail("submit failed", err)
		}
		out := SubmitOutput{Queued: res.Queued, Mutation: res.Mutation, Response: res.Data}
		return formatter.Result(out, func(w io.Writer) {
			if res.Queued {
				fmt.Fprintf(w, "✓ Queued %s (seq %d); it is sent on the next sync\n", key, res.Mutation.Seq)
				return
			}
			fmt.Fprintf(w, "✓ Sent %s\n", key)
			if len(res.Data) > 0 {
				fmt.Fprintln(w, string(res.Data))
			}
		})
	})
}
