package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "cowfork",
	Short:         "cowfork -- user-space copy-on-write fork",
	Long:          "cowfork runs copy-on-write and shared forks against a simulated exokernel.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $COWFORK_CONFIG, ./cowfork.toml, /etc/cowfork/cowfork.toml)")
}

// loadConfig resolves and loads the config file. Without an explicit path
// and with no file found, the built-in defaults apply.
func loadConfig() (*config.Config, []string, error) {
	path, err := config.Resolve(configPath)
	if err != nil {
		if configPath != "" {
			return nil, nil, err
		}
		return config.LoadBytes(nil, "<defaults>")
	}
	return config.Load(path)
}

// newLogger builds the logger described by cfg and logs config warnings
// through it. The returned cleanup is never nil.
func newLogger(cfg *config.Config, warnings []string) (*slog.Logger, func(), error) {
	logger, closeLog, err := logging.FileLogger(cfg.Log.Level, cfg.Log.Format, logging.FileConfig{
		Path:     cfg.Log.File,
		MaxBytes: cfg.Log.MaxBytes,
		Backups:  cfg.Log.Backups,
	})
	if err != nil {
		return nil, nil, err
	}
	if closeLog == nil {
		closeLog = func() {}
	}
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	return logger, closeLog, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
