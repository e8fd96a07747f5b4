package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:          "riskd",
		Short:        "Real-time portfolio risk engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (built-in defaults when empty)")
	cmd.PersistentFlags().Int64Var(&opts.seed, "seed", 0, "deterministic RNG seed (0 = time-based)")

	cmd.AddCommand(
		newServeCmd(&opts),
		newWarmupCmd(&opts),
		newResetCmd(&opts),
	)
	return cmd
}
