package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build identifies the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
	Dirty     bool   `json:"dirty,omitempty"`
}

var (
	buildOnce sync.Once

	buildGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collegium_build_info",
			Help: "Build of the running identity service; always 1.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes the build gauge once and returns the build. A
// commit of "" or "dev" falls back to the VCS revision stamped by the Go
// toolchain.
func InitBuildInfo(version, commit string) Build {
	info, _ := debug.ReadBuildInfo()
	b := resolveBuild(version, commit, info)
	buildOnce.Do(func() {
		prometheus.MustRegister(buildGauge)
	})
	buildGauge.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
	return b
}

func resolveBuild(version, commit string, info *debug.BuildInfo) Build {
	b := Build{Version: version, Commit: commit}
	if info == nil {
		return b
	}
	b.GoVersion = info.GoVersion
	if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	if commit != "" && commit != "dev" {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Commit = s.Value
			if len(b.Commit) > 12 {
				b.Commit = b.Commit[:12]
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}
