package cmds

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/go-delve/dma/pkg/terminal"
)

func newGendocCommand(docCall bool) *cobra.Command {
	return &cobra.Command{
		Use:    "gendoc <dir>",
		Short:  "Generates the markdown documentation of dmactl and of its shell.",
		Hidden: !docCall,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			if err := doc.GenMarkdownTree(rootCommand, dir); err != nil {
				return err
			}
			fh, err := os.Create(filepath.Join(dir, "shell.md"))
			if err != nil {
				return err
			}
			terminal.NewCommands().WriteMarkdown(fh)
			return fh.Close()
		},
	}
}
