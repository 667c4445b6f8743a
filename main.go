// Package main provides the entry point for the preconfoor sidecar.
package main

import (
	"os"

	"github.com/ethpandaops/preconfoor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
