// Command tcmintake structures TCM clinical notes from the command line.
package main

import (
	"os"

	"github.com/timmyxieat/tcm-intake/internal/interfaces/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
