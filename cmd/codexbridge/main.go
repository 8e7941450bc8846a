package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("codexbridge: fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "codexbridge",
		Short:         "HTTP façade in front of a codex app-server subprocess per user",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configFile string
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (toml/yaml/json)")

	root.AddCommand(newServeCmd(&configFile), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the codexbridge version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

const version = "0.1.0"
