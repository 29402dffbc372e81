package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/kahiteam/cowfork/internal/logging"
)

var validRollbackValues = map[string]bool{
	"destroy": true, "leak": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if err := logging.ValidateLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := logging.ValidateFormat(cfg.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	if cfg.Log.Backups < 0 {
		errs = append(errs, fmt.Errorf("log.backups must be >= 0, got %d", cfg.Log.Backups))
	}

	for _, err := range cfg.Layout.VM().Validate() {
		errs = append(errs, fmt.Errorf("layout: %w", err))
	}

	if cfg.Kernel.MaxEnvs < 0 {
		errs = append(errs, fmt.Errorf("kernel.max_envs must be >= 0, got %d", cfg.Kernel.MaxEnvs))
	}
	if cfg.Kernel.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("kernel.max_frames must be >= 0, got %d", cfg.Kernel.MaxFrames))
	}
	if cfg.Kernel.MaxFaultDepth < 1 {
		errs = append(errs, fmt.Errorf("kernel.max_fault_depth must be >= 1, got %d", cfg.Kernel.MaxFaultDepth))
	}

	if !validRollbackValues[strings.ToLower(cfg.Fork.Rollback)] {
		errs = append(errs, fmt.Errorf("fork.rollback must be destroy or leak, got %q", cfg.Fork.Rollback))
	}

	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	return errs
}
