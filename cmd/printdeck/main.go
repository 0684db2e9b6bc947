// Package main is the entry point for the printdeck daemon.
package main

import (
	"os"

	"github.com/printdeck/printdeck/cmd/printdeck/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
