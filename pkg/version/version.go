// Package version reports the version of dmactl and of the dma module it
// was built from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version represents the current version of dmactl and the dma library.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// DMAVersion is the current version of the dma module.
var DMAVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	if strings.HasPrefix(v.Build, "$Id$") {
		v.Build = vcsSetting("vcs.revision", "unknown")
	}
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// BuildInfo returns the Go version, the VCS state and the module
// dependency list the binary was built with.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", runtime.Version())
	info, ok := readBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	if rev := vcsSetting("vcs.revision", ""); rev != "" {
		fmt.Fprintf(&b, "revision %s, modified %s\n", rev, vcsSetting("vcs.modified", "false"))
	}
	w := tabwriter.NewWriter(&b, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		if r := dep.Replace; r != nil {
			fmt.Fprintf(w, " dep\t%s\t%s\t=> %s %s\n", dep.Path, dep.Version, r.Path, r.Version)
			continue
		}
		fmt.Fprintf(w, " dep\t%s\t%s\t%s\n", dep.Path, dep.Version, dep.Sum)
	}
	w.Flush()
	return b.String()
}

func vcsSetting(key, def string) string {
	info, ok := readBuildInfo()
	if !ok {
		return def
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return def
}
