// Package version reports the build version for health responses and logs.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes every version string.
const AppName = "rin"

// commit may be set with -ldflags "-X .../version.commit=<sha>" for
// builds without VCS stamping.
var commit string

var resolve = sync.OnceValue(func() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Commit returns the short VCS revision, or "dev" when unknown.
func Commit() string { return resolve() }

// Full returns "rin/<commit>".
func Full() string { return AppName + "/" + resolve() }
