// Package version holds build metadata set with -ldflags.
package version

import "runtime"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func GoVersion() string {
	return runtime.Version()
}
