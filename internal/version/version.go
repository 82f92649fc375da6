// Package version carries build metadata stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/andywolf/issuelens/internal/version.Version=v0.3.0".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// BuildInfo is the JSON form printed by `issuelens version --json` and
// served from /healthz.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the current build metadata.
func Get() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// ShortCommit returns the first seven characters of the commit.
func (b BuildInfo) ShortCommit() string {
	if len(b.Commit) > 7 {
		return b.Commit[:7]
	}
	return b.Commit
}

// String renders a single line such as
// "issuelens v0.3.0 (commit: abc1234, built: 2026-01-15T10:30:00Z, go: go1.24.12)".
func (b BuildInfo) String() string {
	return fmt.Sprintf("issuelens %s (commit: %s, built: %s, go: %s)",
		b.Version, b.ShortCommit(), b.BuildDate, b.GoVersion)
}

// UserAgent is sent on outbound calls to GitHub and model providers.
func UserAgent() string {
	return "issuelens/" + Version
}
