package main

import (
	"fmt"
	"os"

	"github.com/clanforge/timekeep/internal/commands"
)

// Overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	commands.SetVersion(version)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
