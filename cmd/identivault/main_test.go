package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestDebugFlagAppliesBeforeCommandRun(t *testing.T) {
	// The log level is applied in the root command's pre-run, after
	// flag parsing, so --debug must already be set when a subcommand
	// executes.
	sawDebug := false
	scratch := &cobra.Command{
		Use: "loglevel-check",
		Run: func(cmd *cobra.Command, args []string) {
			sawDebug = debug
		},
	}
	rootCmd.AddCommand(scratch)
	t.Cleanup(func() {
		rootCmd.RemoveCommand(scratch)
		rootCmd.SetArgs(nil)
		debug = false
		applyLogLevel()
	})

	rootCmd.SetArgs([]string{"--debug", "loglevel-check"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !sawDebug {
		t.Fatal("--debug flag not applied before the subcommand ran")
	}
}
