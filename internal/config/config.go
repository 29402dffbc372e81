// Package config handles loading and validating cowfork configuration.
package config

import "github.com/kahiteam/cowfork/internal/vm"

// Config is the top-level cowfork configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Layout  LayoutConfig  `toml:"layout"`
	Kernel  KernelConfig  `toml:"kernel"`
	Fork    ForkConfig    `toml:"fork"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	File     string `toml:"file"`
	MaxBytes string `toml:"max_bytes"`
	Backups  int    `toml:"backups"`
}

// LayoutConfig describes the simulated address space. Addresses are plain
// integers, so hex literals work.
type LayoutConfig struct {
	PageSize          uint64 `toml:"page_size"`
	PageTableEntries  uint64 `toml:"page_table_entries"`
	UserTop           uint64 `toml:"user_top"`
	ExceptionStackTop uint64 `toml:"exception_stack_top"`
	UserStackTop      uint64 `toml:"user_stack_top"`
	PageFaultTemp     uint64 `toml:"page_fault_temp"`
}

// VM converts the section to a vm.Layout.
func (l LayoutConfig) VM() vm.Layout {
	return vm.Layout{
		PageSize:          uintptr(l.PageSize),
		TableEntries:      uintptr(l.PageTableEntries),
		UserTop:           uintptr(l.UserTop),
		ExceptionStackTop: uintptr(l.ExceptionStackTop),
		UserStackTop:      uintptr(l.UserStackTop),
		PageFaultTemp:     uintptr(l.PageFaultTemp),
	}
}

// KernelConfig holds simulated kernel limits. Zero means unlimited for the
// env and frame limits.
type KernelConfig struct {
	MaxEnvs       int `toml:"max_envs"`
	MaxFrames     int `toml:"max_frames"`
	MaxFaultDepth int `toml:"max_fault_depth"`
}

// ForkConfig holds fork behaviour.
type ForkConfig struct {
	Rollback string `toml:"rollback"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}
