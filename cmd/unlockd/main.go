// Command unlockd serves and administers credit-gated record unlocks.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/unlockd/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
