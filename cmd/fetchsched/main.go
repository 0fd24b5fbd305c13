package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "fetchsched",
		Short:         "Scheduled HTTP fetches backed by a durable job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		serveCmd(&cfgPath),
		enqueueCmd(&cfgPath),
		runCmd(&cfgPath),
		jobsCmd(&cfgPath),
		requeueCmd(&cfgPath),
		historyCmd(&cfgPath),
		seedCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
