// Package main is the entry point for the spawner driver.
package main

import (
	"fmt"
	"os"

	"github.com/spawner/orchestrator/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
