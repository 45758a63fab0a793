// Package version holds build metadata stamped in by the linker.
//
//	go build -ldflags "-X github.com/NicolasHaas/gotalk/pkg/version.tag=v0.3.0
//	  -X github.com/NicolasHaas/gotalk/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gotalk/pkg/version.date=2026-10-01"
package version

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns the version with commit and build date when they are known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// Labels returns the build metadata as key/value pairs for log records and
// the gotalk_build_info metric.
func Labels() map[string]string {
	return map[string]string{
		"version": String(),
		"commit":  commit,
		"date":    date,
	}
}
