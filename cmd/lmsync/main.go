// Command lmsync inspects and drives the local-first request engine.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/lmsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands report their own failures; flag and argument errors from
		// cobra are printed here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
