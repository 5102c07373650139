package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchboard/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file",
		Long:  "Parses the config file, applies defaults, and reports validation errors without connecting anywhere.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n", configPath)
	printPlan(out, cfg)
	return nil
}
