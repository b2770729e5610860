package main

import (
	"os"

	"github.com/go-delve/dma/cmd/dmactl/cmds"
	"github.com/go-delve/dma/pkg/version"

	_ "github.com/go-delve/dma/pkg/backend/linux"
	_ "github.com/go-delve/dma/pkg/backend/minidump"
	_ "github.com/go-delve/dma/pkg/backend/sim"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DMAVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
