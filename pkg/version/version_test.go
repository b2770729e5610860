package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	const want = "Version: 1.2.3-rc1\nBuild: abcdef"
	if got := v.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !strings.HasPrefix(DMAVersion.String(), "Version: 0.3.0") {
		t.Fatalf("unexpected version string %q", DMAVersion.String())
	}
}

func TestBuildInfo(t *testing.T) {
	old := readBuildInfo
	defer func() { readBuildInfo = old }()

	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Path: "github.com/go-delve/dma", Version: "(devel)"},
			Deps: []*debug.Module{
				{Path: "github.com/sirupsen/logrus", Version: "v1.6.0", Sum: "h1:x"},
				{Path: "gopkg.in/yaml.v2", Version: "v2.4.0", Replace: &debug.Module{Path: "../yaml", Version: ""}},
			},
			Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123abc"}},
		}, true
	}
	got := BuildInfo()
	for _, tgt := range []string{"revision 0123abc, modified false", "github.com/sirupsen/logrus", "=> ../yaml"} {
		if !strings.Contains(got, tgt) {
			t.Errorf("build info %q does not contain %q", got, tgt)
		}
	}
	if v := (Version{Major: "0", Minor: "1", Patch: "0", Build: "$Id$"}); !strings.HasSuffix(v.String(), "Build: 0123abc") {
		t.Errorf("build not filled from vcs: %q", v.String())
	}

	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	if got := BuildInfo(); !strings.Contains(got, "not built in module mode") {
		t.Errorf("got %q", got)
	}
}
