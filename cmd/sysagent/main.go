// Package main is the entry point for the sysagent CLI.
package main

import (
	"os"

	"github.com/KafClaw/sysagent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
