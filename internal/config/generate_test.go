package config

import (
	"strings"
	"testing"

	"github.com/kahiteam/cowfork/internal/vm"
)

func TestDefaultConfigLoads(t *testing.T) {
	cfg, warnings, err := LoadBytes([]byte(DefaultConfigTOML), "generated")
	if err != nil {
		t.Fatalf("generated config is invalid: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if cfg.Layout.VM() != vm.DefaultLayout() {
		t.Errorf("layout = %+v, want the default", cfg.Layout.VM())
	}
}

func TestDefaultConfigContainsAllSections(t *testing.T) {
	for _, section := range []string{"[log]", "[layout]", "[kernel]", "[fork]", "[metrics]"} {
		if !strings.Contains(DefaultConfigTOML, section) {
			t.Errorf("missing section %q in generated config", section)
		}
	}
}

func TestDefaultConfigDocumentsDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	for _, want := range []string{
		`# level = "` + cfg.Log.Level + `"`,
		`# max_bytes = "` + cfg.Log.MaxBytes + `"`,
		`# rollback = "` + cfg.Fork.Rollback + `"`,
		"# user_stack_top = 0xeebfe000",
	} {
		if !strings.Contains(DefaultConfigTOML, want) {
			t.Errorf("sample config missing %q", want)
		}
	}
}
