package main

import (
	"context"
	"fmt"

	"github.com/kahiteam/cowfork/internal/inspect"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/scenario"
	"github.com/spf13/cobra"
)

var inspectNoColor bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Fork a sample address space and compare both sides",
	Long: "Map one read-only, one private, and one shared page plus a stack page, fork, " +
		"let the child write, and print both address spaces with page digests.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg, warnings)
		if err != nil {
			return err
		}
		defer closeLog()

		parent, child, err := scenario.Compare(context.Background(), &scenario.Env{Config: cfg, Logger: logger})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if err := inspect.WriteTable(out, !inspectNoColor && logging.IsTerminal(out), parent, child); err != nil {
			return err
		}
		deltas := inspect.Diff(parent, child)
		fmt.Fprintf(out, "\n%d differences\n", len(deltas))
		for _, d := range deltas {
			fmt.Fprintf(out, "  %s\n", d)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(inspectCmd)
}
