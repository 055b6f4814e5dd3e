// Package main provides the scribe CLI.
//
// Usage:
//
//	scribe [flags] <command> [args]
//
// Commands:
//
//	process - run the pipeline on a recording
//	resume  - rerun a session's stored request
//	audit   - list run records, optionally through a jq query
//	cleanup - delete a session's checkpoints or expire old sessions
//	stages  - list pipeline stages
package main

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/scribe/cmd/scribe/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
