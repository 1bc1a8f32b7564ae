// Package main is the entry point for the socmind CLI.
package main

import (
	"os"

	"github.com/socmind/socmind/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
