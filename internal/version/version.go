// Package version holds build-time version metadata.
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = ""
)

// Go returns the toolchain the binary was built with, preferring the
// value stamped at link time.
func Go() string {
	if GoVersion != "" {
		return GoVersion
	}
	return runtime.Version()
}
