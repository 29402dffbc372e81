package config

import (
	"strings"
	"testing"
)

func TestExpandString(t *testing.T) {
	t.Setenv("COWFORK_TEST_DIR", "/var/log/cowfork")

	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{"plain.log", "plain.log", ""},
		{"%(here)s/cowfork.log", "/etc/cowfork/cowfork.log", ""},
		{"${COWFORK_TEST_DIR}/run.log", "/var/log/cowfork/run.log", ""},
		{"100%% $$HOME", "100% $HOME", ""},
		{"%(program_name)s", "", "unknown template variable"},
		{"%(here", "", "unclosed template variable"},
		{"${COWFORK_TEST_DIR", "", "unclosed environment variable"},
		{"${COWFORK_TEST_UNSET_VAR}", "", "undefined environment variable"},
	}
	for _, tt := range tests {
		got, err := expandString(tt.in, "/etc/cowfork")
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expandString(%q) err = %v, want %q", tt.in, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("expandString(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("expandString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandPathsNamesField(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Listen: "${COWFORK_TEST_UNSET_VAR}"}}
	err := ExpandPaths(cfg, "/etc/cowfork/cowfork.toml")
	if err == nil || !strings.Contains(err.Error(), "metrics.listen") {
		t.Errorf("err = %v, want it to name metrics.listen", err)
	}
}
