package config

import "runtime/debug"

// Set by the release pipeline:
//
//	go build -ldflags "-X toeicprep/internal/config.version=v1.4.0 -X toeicprep/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// NewBuildInfo reports the linker-injected metadata. Without ldflags the VCS
// stamp written by `go build` fills commit and build time.
func NewBuildInfo() BuildInfo {
	info := BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&info, bi.Settings)
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

func fillFromVCS(info *BuildInfo, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		}
	}
}
