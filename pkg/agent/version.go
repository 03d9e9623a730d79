package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// BuildInfo identifies the agent build reported in the inventory.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"builtAt"`
}

// overlay returns b with o's non-empty fields applied on top.
func (b BuildInfo) overlay(o BuildInfo) BuildInfo {
	if o.Version != "" {
		b.Version = o.Version
	}

	if o.Commit != "" {
		b.Commit = o.Commit
	}

	if o.BuiltAt != "" {
		b.BuiltAt = o.BuiltAt
	}

	return b
}

// resolveBuildInfo layers the build identity the inventory reports:
// the linker-stamped identity of the binary, then a version.json next
// to the executable, then STATIX_AGENT_* environment overrides.
func resolveBuildInfo(stamped BuildInfo) BuildInfo {
	if exe, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(exe), "version.json")
		if data, err := os.ReadFile(path); err == nil {
			var fromFile BuildInfo
			if json.Unmarshal(data, &fromFile) == nil {
				stamped = stamped.overlay(fromFile)
			}
		}
	}

	return stamped.overlay(BuildInfo{
		Version: os.Getenv("STATIX_AGENT_VERSION"),
		Commit:  os.Getenv("STATIX_AGENT_COMMIT"),
		BuiltAt: os.Getenv("STATIX_AGENT_BUILT_AT"),
	})
}
