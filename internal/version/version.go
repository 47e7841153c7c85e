// Package version exposes the daemon's version derived from build
// metadata. Go 1.18+ embeds VCS info into the binary via
// runtime/debug.BuildInfo, so no -ldflags are required.
package version

import "runtime/debug"

// AppName is used in version strings and the daemon's filesystem layout.
const AppName = "kgraphd"

// GitCommit is the short git commit hash (8 chars) from build info, or
// "dev" when unavailable (`go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "kgraphd/<commit>" for user-agent strings and logging.
func Full() string {
	return AppName + "/" + GitCommit
}
