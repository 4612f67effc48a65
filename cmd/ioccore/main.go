// Command ioccore loads and runs record databases.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ioccore/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ioccore:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
