// Package version resolves the build version reported by the fieldsync
// binaries.
package version

import (
	"regexp"
	"runtime/debug"
	"strings"
)

// validVersionRegex matches release versions (v1.2.3, v1.2.3-beta.1).
var validVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// IsRelease reports whether v looks like a tagged release.
func IsRelease(v string) bool {
	return validVersionRegex.MatchString(v)
}

// IsDevelopment returns true for non-release versions.
func IsDevelopment(v string) bool {
	if v == "" || v == "unknown" || v == "dev" || v == "devel" {
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// Effective returns v when the build injected one, otherwise the best
// version the Go build info can offer.
func Effective(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return v
	}
	return fromBuildInfo(v, info)
}

func fromBuildInfo(fallback string, info *debug.BuildInfo) string {
	// go install module@vX.Y.Z
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	var rev, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return fallback
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	parts := []string{"devel", rev}
	if modified == "true" {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}
