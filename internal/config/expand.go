package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPaths expands %(here)s, the directory holding the config file, and
// ${VAR} environment references in the path-like fields of cfg. %% and $$
// escape a literal percent or dollar.
func ExpandPaths(cfg *Config, configPath string) error {
	here := filepath.Dir(configPath)
	fields := []struct {
		name string
		val  *string
	}{
		{"log.file", &cfg.Log.File},
		{"metrics.listen", &cfg.Metrics.Listen},
	}
	for _, f := range fields {
		s, err := expandString(*f.val, here)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.val = s
	}
	return nil
}

func expandString(s, here string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "%%"), strings.HasPrefix(rest, "$$"):
			b.WriteByte(rest[0])
			i += 2
		case strings.HasPrefix(rest, "%("):
			end := strings.Index(rest, ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			name := rest[2:end]
			if name != "here" {
				return "", fmt.Errorf("unknown template variable: %%(%s)s", name)
			}
			b.WriteString(here)
			i += end + 2
		case strings.HasPrefix(rest, "${"):
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}
			name := rest[2:end]
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", name)
			}
			b.WriteString(val)
			i += end + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}
