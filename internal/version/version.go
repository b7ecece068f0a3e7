// Package version provides the build version of the binaries
package version

import (
	"fmt"
	"runtime/debug"
)

// Set by the linker:
// -ldflags "-X github.com/effective-security/xtoken/internal/version.Build=v1.2.3"
var (
	Build  = ""
	Commit = ""
)

// Info describes the version
type Info struct {
	Build   string `json:"build" yaml:"build"`
	Commit  string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Runtime string `json:"runtime" yaml:"runtime"`
}

// Current returns the version of the running binary
func Current() *Info {
	v := &Info{
		Build:  Build,
		Commit: Commit,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		v.Runtime = bi.GoVersion
		if v.Build == "" && bi.Main.Version != "(devel)" {
			v.Build = bi.Main.Version
		}
		if v.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					v.Commit = s.Value
				}
			}
		}
	}
	if v.Build == "" {
		v.Build = "v0.0.0-dev"
	}
	return v
}

// String returns the build with short commit
func (v *Info) String() string {
	if v.Commit == "" {
		return v.Build
	}
	commit := v.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s+%s", v.Build, commit)
}
