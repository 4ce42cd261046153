// Package version holds build metadata set with -ldflags:
//
//	go build -ldflags "-X dbharness/internal/version.Version=v0.3.0 -X dbharness/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a single-line version string.
func Info() string {
	commit := Commit
	if commit == "none" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			}
		}
	}
	return fmt.Sprintf("dbharness %s (commit %s, built %s)", Version, commit, Date)
}
