// Package main is the entry point for the reconcile CLI.
package main

import (
	"os"

	"github.com/crewcall/reconcile/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
