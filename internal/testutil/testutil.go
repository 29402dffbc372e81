// Package testutil provides shared test helpers for the cowfork test suite.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/vm"
)

// RunTimeout bounds a single kernel run in tests.
const RunTimeout = 10 * time.Second

// TempDir creates a temporary directory for testing and registers cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cowfork-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// Logger returns a debug logger that writes through t.Log.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// NewKernel creates a kernel with the default layout unless cfg names one,
// and destroys whatever is left in it when the test ends.
func NewKernel(t *testing.T, cfg kern.Config) *kern.Kernel {
	t.Helper()
	if cfg.Layout == (vm.Layout{}) {
		cfg.Layout = vm.DefaultLayout()
	}
	k, err := kern.New(cfg)
	if err != nil {
		t.Fatalf("kern.New: %v", err)
	}
	t.Cleanup(k.Close)
	return k
}

// Run spawns entry as a root environment and runs the kernel until every
// environment has exited. It returns the root's handle.
func Run(t *testing.T, k *kern.Kernel, entry abi.Entry) abi.EnvID {
	t.Helper()
	id, err := k.Spawn(entry)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return id
}
