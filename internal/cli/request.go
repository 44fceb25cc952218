package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/executor"
)

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	Params     []string
	JSON       string
	NoCache    bool
	Refresh    bool
	CacheKey   string
	Unique     bool
	Stale      bool
	NoFallback bool
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <method>",
		Short: "Call a web service method through the cache",
		Long: `Call a web service method with the read policy: a live cached response
is returned without contacting the site, a fresh response is cached, and a
stale response is returned when the site cannot be reached.

Example:
  lmsync request core_course_get_contents --param courseid=2
  lmsync request mod_forum_get_forum_discussions --param forumid=4 --cache-key forum:discussions:4
  lmsync request core_webservice_get_site_info --no-cache`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "call parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "params", "", "call parameters as a JSON object")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "neither read nor write the cache")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "skip the cached response but store the new one")
	cmd.Flags().StringVar(&opts.CacheKey, "cache-key", "", "cache key stored with the response")
	cmd.Flags().BoolVar(&opts.Unique, "unique", false, "replace every entry stored under --cache-key")
	cmd.Flags().BoolVar(&opts.Stale, "stale", false, "accept an expired cached response")
	cmd.Flags().BoolVar(&opts.NoFallback, "no-fallback", false, "fail instead of returning a stale response")

	return cmd
}

// policy builds the executor policy from the flags.
func (o *RequestOptions) policy() executor.Policy {
	if o.NoCache {
		return executor.WritePolicy()
	}
	p := executor.ReadPolicy().WithCacheKey(o.CacheKey)
	p.UseCache = !o.Refresh
	p.OmitExpiry = o.Stale
	p.UniqueCacheKey = o.Unique
	p.EmergencyCacheAllowed = !o.NoFallback
	p.DeleteCacheIfRejected = true
	return p
}

// RequestOutput is the JSON output of request.
type RequestOutput struct {
	Method string          `json:"method"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

func runRequest(opts *RequestOptions, method string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Unique && opts.CacheKey == "" {
		return usageError(opts.RootOptions, cmd, "--unique requires --cache-key")
	}
	params, err := parseParams(opts.JSON, opts.Params)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		res, err := eng.Read(ctx, method, params, opts.policy())
		if err != nil {
			return formatter.Fail("request failed", err)
		}
		formatter.VerboseLog("Served from %s", res.Source)
		out := RequestOutput{Method: method, Source: string(res.Source), Data: res.Data}
		return formatter.Result(out, func(w io.Writer) {
			if res.Source == executor.SourceEmergency {
				fmt.Fprintln(formatter.GetErrWriter(), "warning: site unreachable, showing a stale cached response")
			}
			fmt.Fprintln(w, string(res.Data))
		})
	})
}
