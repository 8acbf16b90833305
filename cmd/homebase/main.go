// Command homebase keeps a local store of household records converged
// with a remote store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/homebase/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
