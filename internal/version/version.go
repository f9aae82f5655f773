// Package version reports the build version of quietwav.
package version

import (
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X github.com/fmueller/quietwav/internal/version.Version=..."
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

func (i Info) String() string {
	s := i.Version
	if i.Commit != "" && !strings.Contains(s, i.Commit) {
		s += "+" + i.Commit
	}
	if i.Dirty {
		s += "-dirty"
	}
	return s
}

// Resolve prefers linker-provided values and falls back to the module and
// VCS data embedded by the Go toolchain.
func Resolve() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(Version, Commit, Date, info)
}

func resolve(version, commit, date string, build *debug.BuildInfo) Info {
	out := Info{Version: version, Commit: shortCommit(commit), Date: date}
	if build == nil {
		if out.Version == "" {
			out.Version = "dev"
		}
		return out
	}

	if out.Version == "" {
		out.Version = strings.TrimPrefix(build.Main.Version, "v")
	}
	if out.Version == "" || out.Version == "(devel)" {
		out.Version = "dev"
	}

	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if out.Commit == "" {
				out.Commit = shortCommit(setting.Value)
			}
		case "vcs.time":
			if out.Date == "" {
				out.Date = setting.Value
			}
		case "vcs.modified":
			out.Dirty = commit == "" && setting.Value == "true"
		}
	}
	return out
}

func shortCommit(commit string) string {
	commit = strings.TrimSpace(commit)
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
