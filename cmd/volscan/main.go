// Command volscan measures Docker volume sizes, either as a long running
// service or one-shot from the command line.
package main

import (
	"os"

	"go.uber.org/automaxprocs/maxprocs"
)

var build = "develop"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
