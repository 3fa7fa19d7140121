// Command labeliq runs the label compliance pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/labeliq/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
