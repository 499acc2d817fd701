// Package buildinfo exposes the version metadata stamped into the binary.
package buildinfo

import (
	"runtime/debug"
	"strings"
	"time"
)

// Set at link time via -ldflags "-X ...".
var (
	Version = "0.1.0"
	Commit  = ""
	Date    = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version string
	Commit  string
	Date    string
}

// Current merges the linker overrides with whatever the Go runtime recorded
// about the build. Fields that cannot be resolved read "unknown".
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") &&
			bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		revision, modified, vcsTime := vcsSettings(bi)
		if info.Commit == "" {
			info.Commit = revision
			if modified && info.Commit != "" && !strings.HasSuffix(info.Commit, "-dirty") {
				info.Commit += "-dirty"
			}
		}
		if info.Date == "" {
			info.Date = vcsTime
		}
	}

	if parsed, err := time.Parse(time.RFC3339, info.Date); err == nil {
		info.Date = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	for _, field := range []*string{&info.Version, &info.Commit, &info.Date} {
		if *field == "" {
			*field = "unknown"
		}
	}
	return info
}

func vcsSettings(bi *debug.BuildInfo) (revision string, modified bool, vcsTime string) {
	for _, s := range bi.Settings {
		value := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			revision = value
		case "vcs.modified":
			modified = strings.EqualFold(value, "true")
		case "vcs.time":
			vcsTime = value
		}
	}
	return revision, modified, vcsTime
}
