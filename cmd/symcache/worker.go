package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/symcache/internal/worker"
)

// workerCmd is what the pool re-executes the binary as. It speaks the
// line protocol on stdin/stdout and logs nothing to stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve extraction requests on stdin (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, worker.TreeSitterFactory)
	},
}
