// Package appversion provides build-time version information.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags "-X deaddrop/internal/appversion.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version. Without ldflags it falls back to the
// module version recorded by go install, then to "dev".
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

// Revision returns the VCS revision the binary was built from, shortened to
// 12 characters, with a "+dirty" suffix for modified trees. Empty when the
// build carries no VCS stamp.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "+dirty"
			}
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev + dirty
}
