// Command studiora is the entry point for the Studiora study assistant.
// It provides a CLI interface (via Cobra) and an optional HTTP server
// exposing the tutor over a REST/SSE API.
package main

import (
	"fmt"
	"os"

	"github.com/studiora/studiora-go/cmd/studiora/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
