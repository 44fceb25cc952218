package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/model"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate cached responses",
	}
	cmd.AddCommand(newCacheGetCommand(rootOpts))
	cmd.AddCommand(newCacheInvalidateCommand(rootOpts))
	return cmd
}

// CacheGetOptions holds flags for cache get.
type CacheGetOptions struct {
	*RootOptions
	Params   []string
	JSON     string
	CacheKey string
	Stale    bool
}

func newCacheGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheGetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <method>",
		Short: "Show the cached response of a call",
		Long: `Show the cached response of a call without contacting the site.

The entry is found by call id (method plus canonical parameters), or by
cache key with --cache-key, preferring the entry of the call.

Example:
  lmsync cache get core_course_get_contents --param courseid=2
  lmsync cache get mod_forum_get_discussion_posts --param discussionid=7 --stale`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "call parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "params", "", "call parameters as a JSON object")
	cmd.Flags().StringVar(&opts.CacheKey, "cache-key", "", "look the entry up by cache key")
	cmd.Flags().BoolVar(&opts.Stale, "stale", false, "include expired entries")

	return cmd
}

func runCacheGet(opts *CacheGetOptions, method string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	params, err := parseParams(opts.JSON, opts.Params)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}
	id, err := model.CacheID(method, params)
	if err != nil {
		_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}
	formatter.VerboseLog("Cache id: %s", id)

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		entry, err := lookupEntry(ctx, eng, id, opts.CacheKey, opts.Stale)
		if err != nil {
			return formatter.Fail("cache lookup failed", err)
		}
		return formatter.Result(entry, func(w io.Writer) {
			fmt.Fprintf(w, "id:      %s\n", entry.ID)
			if entry.Key != "" {
				fmt.Fprintf(w, "key:     %s\n", entry.Key)
			}
			fmt.Fprintf(w, "expires: %s\n", entry.ExpirationTime.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintln(w, string(entry.Data))
		})
	})
}

func lookupEntry(ctx context.Context, eng *engine.Engine, id, key string, stale bool) (model.CacheEntry, error) {
	if key == "" {
		return eng.Cache().Lookup(ctx, id, stale)
	}
	entries, err := eng.Cache().LookupByKey(ctx, key, stale)
	if err != nil {
		return model.CacheEntry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return entries[0], nil
}

// CacheInvalidateOptions holds flags for cache invalidate.
type CacheInvalidateOptions struct {
	*RootOptions
	Method   string
	Params   []string
	JSON     string
	Key      string
	Prefix   string
	Resource string
	All      bool
}

func newCacheInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheInvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete cached responses",
		Long: `Delete cached responses so the next read goes to the site.

Exactly one target is required: a call (--method with its parameters), a
cache key, a cache key prefix, a resource's dependent keys, or everything.

Example:
  lmsync cache invalidate --method core_course_get_contents --param courseid=2
  lmsync cache invalidate --prefix forum:posts:7:
  lmsync cache invalidate --resource forum_reply:7:3
  lmsync cache invalidate --all`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheInvalidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Method, "method", "", "invalidate the entry of this call")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "call parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "params", "", "call parameters as a JSON object")
	cmd.Flags().StringVar(&opts.Key, "key", "", "invalidate every entry with this cache key")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "invalidate every entry whose cache key starts with this prefix")
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "invalidate the keys a resource type:id[:owner] depends on")
	cmd.Flags().BoolVar(&opts.All, "all", false, "invalidate every entry")
	cmd.MarkFlagsMutuallyExclusive("method", "key", "prefix", "resource", "all")
	cmd.MarkFlagsOneRequired("method", "key", "prefix", "resource", "all")

	return cmd
}

// InvalidateResult is the JSON output of cache invalidate.
type InvalidateResult struct {
	Target string `json:"target"`
}

func runCacheInvalidate(opts *CacheInvalidateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var (
		target   string
		resource model.ResourceKey
		id       string
	)
	switch {
	case opts.Method != "":
		params, err := parseParams(opts.JSON, opts.Params)
		if err == nil {
			id, err = model.CacheID(opts.Method, params)
		}
		if err != nil {
			_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid parameters", err)
		}
		target = "id " + id
	case opts.Resource != "":
		var err error
		resource, err = model.ParseResourceKey(opts.Resource)
		if err != nil {
			_ = formatter.Error(ErrCodeUsage, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid resource", err)
		}
		target = "resource " + resource.String()
	case opts.Key != "":
		target = "key " + opts.Key
	case opts.Prefix != "":
		target = "prefix " + opts.Prefix
	default:
		target = "all"
	}

	return withEngine(opts.RootOptions, cmd, func(ctx context.Context, eng *engine.Engine) error {
		inval := eng.Invalidator()
		var err error
		switch {
		case id != "":
			err = inval.Invalidate(ctx, id)
		case opts.Resource != "":
			err = inval.InvalidateResource(ctx, eng.Registry().Lookup(resource.Type), resource)
		case opts.Key != "":
			err = inval.InvalidateKey(ctx, opts.Key)
		case opts.Prefix != "":
			err = inval.InvalidatePrefix(ctx, opts.Prefix)
		default:
			err = inval.InvalidateAll(ctx)
		}
		if err != nil {
			return formatter.Fail("invalidation failed", err)
		}
		return formatter.Result(InvalidateResult{Target: target}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Invalidated %s\n", target)
		})
	})
}
