package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/engine"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/remote"
)

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.Driver != "" {
		cfg.Driver = opts.Driver
	}
	if opts.SiteURL != "" {
		cfg.Site.URL = opts.SiteURL
	}
	if opts.Token != "" {
		cfg.Site.Token = opts.Token
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openEngine opens the engine of the selected account.
//
// Without a site URL, or with --offline, the device is treated as offline:
// reads are served from cache only and writes are queued.
func openEngine(opts *RootOptions) (*engine.Engine, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	var (
		transport remote.Transport
		oracle    connectivity.Oracle
	)
	if cfg.Site.URL == "" || opts.Offline {
		transport = offlineTransport()
		oracle = connectivity.Always(false)
	} else {
		rest, err := remote.NewRESTTransport(cfg.Site.URL,
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Site.Timeout}),
			remote.WithLogger(slog.Default()),
		)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid site", err)
		}
		transport = rest
		oracle = connectivity.Always(true)
	}

	eng, err := engine.Open(cfg, opts.Account, transport, remote.NewStaticCredentials(cfg.Site.Token),
		engine.WithOracle(oracle),
		engine.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open account database", err)
	}
	return eng, nil
}

// withEngine opens the engine, runs fn, and closes the engine.
func withEngine(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	eng, err := openEngine(opts)
	if err != nil {
		_ = newFormatter(opts, cmd).Error(ErrCodeUsage, err.Error(), nil)
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, eng)
}

func offlineTransport() remote.Transport {
	return remote.TransportFunc(func(_ context.Context, method string, _ model.Params, _ remote.Credentials) (json.RawMessage, error) {
		return nil, remote.Offline(method)
	})
}
