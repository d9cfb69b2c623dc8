package main

import (
	"fmt"
	"os"

	"captain/internal/config"

	"github.com/spf13/cobra"
)

// initCmd writes a starter captainrc
var initCmd = &cobra.Command{
	Use:   "init [config]",
	Short: "Write a starter captainrc",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath(args)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		cfg := config.DefaultConfig()
		cfg.Workdir = "./workdir"
		cfg.Fuzzers = []config.FuzzerConfig{{
			Name:    "aflpp",
			Image:   "captain-aflpp",
			Context: "./fuzzers/aflpp",
			Workers: 1,
			Targets: []config.TargetConfig{{Name: "libpng"}},
		}}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}
