// Command reactor is the rule engine CLI.
package main

import (
	"os"

	"github.com/roach88/reactor/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
