// Package main provides the entry point for the stumbler CLI.
package main

import (
	"fmt"
	"os"

	"github.com/illmade-knight/go-stumbler/cmd/stumbler/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
