package main

import (
	"fmt"
	"os"

	"github.com/miragespace/ctfinstancer/bootstrap"

	"github.com/spf13/cobra"
)

// Build-time injected variables
var (
	Version = ""
)

var app *bootstrap.App

var rootCmd = &cobra.Command{
	Use:           "instancectl",
	Short:         "Operator commands for ctfinstancer",
	Long:          "instancectl runs maintenance operations against the same database and deployment directory as the API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		app, err = bootstrap.New("instancectl", Version)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(cooldownCmd)
	rootCmd.AddCommand(settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		if app != nil {
			app.Close()
		}
		os.Exit(1)
	}
}
