package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// buildVersion carries a release version injected at link time:
//
//	go build -ldflags "-X bakerd/internal/version.buildVersion=v1.2.3"
var buildVersion string

const fallbackModule = "bakerd"

// Current reports the daemon version: the linked release version when
// present, the module version when installed as a tagged module, or a
// pseudo-version derived from the VCS stamp of the build.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module reports the main module path for banners and version output.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return fallbackModule
}

// vcsPseudoVersion renders the VCS build stamp in the shape of a Go
// pseudo-version so version output from untagged builds stays sortable.
func vcsPseudoVersion(settings []debug.BuildSetting) string {
	stamp := map[string]string{}
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision", "vcs.time", "vcs.modified":
			stamp[s.Key] = s.Value
		}
	}
	at, err := time.Parse(time.RFC3339, stamp["vcs.time"])
	if err != nil || stamp["vcs.revision"] == "" {
		return ""
	}
	rev := stamp["vcs.revision"]
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if stamp["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
