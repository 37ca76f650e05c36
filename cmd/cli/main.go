package main

import (
	"os"

	"github.com/pulsecrm/automation-engine/cmd/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
