// Command bridge runs the chat ↔ tmux coding-agent bridge.
package main

import (
	"os"

	"github.com/mudco/bridge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
