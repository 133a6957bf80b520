// Command inapp runs the in-app messaging engine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/inapp/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if cli.IsUnreported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
