// Package version holds build metadata injected at link time.
//
// Release builds set these via -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/winnowml/winnow/version.GitRelease=v0.3.0 \
//	  -X github.com/winnowml/winnow/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "runtime"

var (
	// GitRelease is the semantic version of the build.
	GitRelease = "dev"

	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"

	// GitCommitDate is the commit date of GitCommit.
	GitCommitDate = "unknown"

	// GoInfo describes the Go toolchain and target platform.
	GoInfo = runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
)
