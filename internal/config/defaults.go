package config

import "github.com/kahiteam/cowfork/internal/vm"

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxBytes == "" {
		cfg.Log.MaxBytes = "10MB"
	}

	d := vm.DefaultLayout()
	l := &cfg.Layout
	if l.PageSize == 0 {
		l.PageSize = uint64(d.PageSize)
	}
	if l.PageTableEntries == 0 {
		l.PageTableEntries = uint64(d.TableEntries)
	}
	if l.UserTop == 0 {
		l.UserTop = uint64(d.UserTop)
	}
	// The stacks hang off user_top, so a custom top moves them too.
	if l.ExceptionStackTop == 0 {
		l.ExceptionStackTop = l.UserTop
	}
	if l.UserStackTop == 0 {
		l.UserStackTop = l.UserTop - 2*l.PageSize
	}
	if l.PageFaultTemp == 0 {
		l.PageFaultTemp = uint64(d.PageFaultTemp)
	}

	if cfg.Kernel.MaxFaultDepth == 0 {
		cfg.Kernel.MaxFaultDepth = 4
	}
	if cfg.Fork.Rollback == "" {
		cfg.Fork.Rollback = "destroy"
	}
}
