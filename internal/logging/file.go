package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// FileConfig names a log file and its size-based rotation.
type FileConfig struct {
	Path     string
	MaxBytes string // e.g. "10MB"; empty or "0" never rotates
	Backups  int    // rotated copies kept; 0 truncates instead
}

// FileLogger opens cfg.Path for appending, rotating it first when it has
// grown past cfg.MaxBytes, and returns a logger writing to it. An empty path
// logs to stderr and returns a nil cleanup.
func FileLogger(level, format string, cfg FileConfig) (*slog.Logger, func(), error) {
	if cfg.Path == "" {
		return New(LogConfig{Level: level, Format: format}), nil, nil
	}
	if err := rotateIfNeeded(cfg); err != nil {
		return nil, nil, fmt.Errorf("cannot rotate log file %s: %w", cfg.Path, err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file %s: %w", cfg.Path, err)
	}
	logger := New(LogConfig{Level: level, Format: format, Output: f})
	return logger, func() { _ = f.Close() }, nil
}

func rotateIfNeeded(cfg FileConfig) error {
	limit := ParseSize(cfg.MaxBytes)
	if limit <= 0 {
		return nil
	}
	info, err := os.Stat(cfg.Path)
	if err != nil || info.Size() < limit {
		return nil
	}
	if cfg.Backups <= 0 {
		return os.Truncate(cfg.Path, 0)
	}
	_ = os.Remove(backupName(cfg.Path, cfg.Backups))
	for i := cfg.Backups - 1; i >= 1; i-- {
		_ = os.Rename(backupName(cfg.Path, i), backupName(cfg.Path, i+1))
	}
	return os.Rename(cfg.Path, backupName(cfg.Path, 1))
}

func backupName(path string, n int) string {
	return path + "." + strconv.Itoa(n)
}

// ParseSize parses a size such as "512", "64KB", "10MB", or "1GB" into
// bytes. Unparseable input reads as zero.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSuffix(s, u.suffix), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * mult
}
