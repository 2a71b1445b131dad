// Package main is the entry point for psactl, the operator terminal tool for
// the timesheet sync API.
package main

import (
	"os"

	"github.com/psai-foundry/project-foundry-psa-sub000/cmd/psactl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
