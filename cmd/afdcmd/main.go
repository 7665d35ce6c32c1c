// afdcmd is the AFD administration tool: it inspects the shared
// status areas of a running (or stopped) AFD and flips host control
// bits.
package main

import (
	"os"

	"github.com/afd-project/afd/cmd/afdcmd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
