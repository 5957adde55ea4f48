// Command invoicectl edits an offline invoice workspace and syncs it to the
// invoice server. Run "invoicectl --help" for the command list.
package main

import (
	"fmt"
	"os"

	"github.com/warp/invoice-engine/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "invoicectl:", err)
		os.Exit(1)
	}
}
