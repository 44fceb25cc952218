package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is the YAML configuration file. Empty means defaults.
	Config string

	// Flag overrides for the configuration file.
	DataDir string
	Driver  string
	SiteURL string
	Token   string

	Account string

	// Offline forces the device offline: no remote call is attempted.
	Offline bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultAccount is used when --account is not given.
const DefaultAccount = "default"

// NewRootCommand creates the root command for the lmsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lmsync",
		Short: "lmsync - local-first request cache and offline sync",
		Long: `Inspect and drive the local-first request engine of a site account.

Reads go through a per-account response cache. Writes made while offline
wait in the pending mutation log until a sync transmits them.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.Config, "config", "c", "", "path to YAML configuration file")
	pf.StringVar(&opts.DataDir, "data-dir", "", "directory holding the account databases")
	pf.StringVar(&opts.Driver, "driver", "", "SQLite driver (sqlite3|sqlite)")
	pf.StringVar(&opts.SiteURL, "site-url", "", "site URL of the REST web service")
	pf.StringVar(&opts.Token, "token", "", "web service token")
	pf.StringVarP(&opts.Account, "account", "a", DefaultAccount, "account whose database is used")
	pf.BoolVar(&opts.Offline, "offline", false, "act as if the device were offline")

	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// setupLogging installs the default slog handler on w. Only warnings are
// shown unless verbose.
func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
