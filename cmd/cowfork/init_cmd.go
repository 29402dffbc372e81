package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/spf13/cobra"
)

var (
	initOutput string
	initStdout bool
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a sample cowfork.toml config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if initStdout {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.DefaultConfigTOML)
			return err
		}
		if err := writeSample(initOutput, initForce); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initOutput)
		return err
	},
}

// writeSample writes the sample config to path, refusing to replace an
// existing file unless force is set.
func writeSample(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("file %s already exists; use --force to overwrite", path)
	}
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if _, err := f.WriteString(config.DefaultConfigTOML); err != nil {
		f.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	return f.Close()
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "cowfork.toml", "write config to file")
	initCmd.Flags().BoolVar(&initStdout, "stdout", false, "print config to stdout instead of writing a file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing file")
	rootCmd.AddCommand(initCmd)
}
