// Package main is the entry point for transferctl, the terminal tool for the transferplane API.
package main

import (
	"os"

	"transferplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
