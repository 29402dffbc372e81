package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseValidConfig(t *testing.T) {
	tomlData := `
[log]
level = "debug"
format = "text"

[layout]
page_size = 256
page_table_entries = 64
user_top = 0x100000
page_fault_temp = 0x80000

[kernel]
max_envs = 8
max_frames = 512

[fork]
rollback = "leak"

[metrics]
listen = "127.0.0.1:9464"
`
	cfg, warnings, err := LoadBytes([]byte(tomlData), "test.toml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) > 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	l := cfg.Layout.VM()
	if l.PageSize != 256 || l.TableEntries != 64 || l.UserTop != 0x100000 {
		t.Errorf("layout = %+v", l)
	}
	if l.ExceptionStackTop != 0x100000 {
		t.Errorf("exception_stack_top = %#x, want user_top", l.ExceptionStackTop)
	}
	if l.UserStackTop != 0x100000-2*256 {
		t.Errorf("user_stack_top = %#x, want two pages below user_top", l.UserStackTop)
	}
	if cfg.Kernel.MaxEnvs != 8 || cfg.Kernel.MaxFrames != 512 || cfg.Kernel.MaxFaultDepth != 4 {
		t.Errorf("kernel = %+v", cfg.Kernel)
	}
	if cfg.Fork.Rollback != "leak" {
		t.Errorf("rollback = %q, want leak", cfg.Fork.Rollback)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("listen = %q", cfg.Metrics.Listen)
	}
}

func TestDefaults(t *testing.T) {
	cfg, _, err := LoadBytes(nil, "empty.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "" || cfg.Log.MaxBytes != "10MB" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
	if cfg.Fork.Rollback != "destroy" {
		t.Errorf("rollback default = %q", cfg.Fork.Rollback)
	}
	if cfg.Kernel.MaxEnvs != 0 || cfg.Kernel.MaxFrames != 0 {
		t.Errorf("kernel limits should default to unlimited: %+v", cfg.Kernel)
	}
}

func TestUnknownKeysWarn(t *testing.T) {
	_, warnings, err := LoadBytes([]byte(`
[fork]
rollback = "destroy"
mode = "eager"
`), "test.toml")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "fork.mode") {
		t.Errorf("warnings = %v, want one for fork.mode", warnings)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"bad level", "[log]\nlevel = \"loud\"", "log.level"},
		{"bad format", "[log]\nformat = \"xml\"", "log.format"},
		{"negative backups", "[log]\nbackups = -1", "log.backups"},
		{"page size", "[layout]\npage_size = 1000", "page_size"},
		{"table entries", "[layout]\npage_table_entries = 1000", "layout"},
		{"unaligned scratch", "[layout]\npage_fault_temp = 0x7ff001", "layout"},
		{"negative envs", "[kernel]\nmax_envs = -1", "kernel.max_envs"},
		{"negative frames", "[kernel]\nmax_frames = -2", "kernel.max_frames"},
		{"fault depth", "[kernel]\nmax_fault_depth = -1", "kernel.max_fault_depth"},
		{"rollback", "[fork]\nrollback = \"keep\"", "fork.rollback"},
		{"listen", "[metrics]\nlisten = \"9464\"", "metrics.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadBytes([]byte(tt.toml), "test.toml")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Log.Level = "loud"
	cfg.Fork.Rollback = "keep"
	cfg.Kernel.MaxEnvs = -1
	if errs := Validate(cfg); len(errs) != 3 {
		t.Errorf("Validate returned %d errors, want 3: %v", len(errs), errs)
	}
}

func TestParseError(t *testing.T) {
	_, _, err := LoadBytes([]byte("[log\nlevel ="), "broken.toml")
	if err == nil || !strings.Contains(err.Error(), "broken.toml") {
		t.Errorf("err = %v, want parse error naming the file", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cowfork.toml")
	if err := os.WriteFile(path, []byte("[log]\nfile = \"%(here)s/cowfork.log\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "cowfork.log"); cfg.Log.File != want {
		t.Errorf("log.file = %q, want %q", cfg.Log.File, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load("/nonexistent/cowfork.toml")
	if err == nil || !strings.Contains(err.Error(), "cannot read config") {
		t.Errorf("err = %v", err)
	}
}
