package cmds

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/dma/pkg/config"
	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/terminal"
	"github.com/go-delve/dma/pkg/version"
)

const defaultDevice = "sim://demo"

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// device is the locator of the acquisition device.
	device string
	// initFile is the path to initialization file.
	initFile string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dmactlCommandLongDesc = `dmactl reads and writes the memory of processes through a physical memory
acquisition device.

The device is selected with --device, or the device key of the configuration
file, as a locator:

	sim://demo                        the built-in simulated machine
	sim://demo,latency=2ms            the same, with a delay on every device call
	snapshot:///path/to/world.yml     a simulated machine loaded from a YAML snapshot
	minidump:///path/to/target.dmp    a Windows minidump file (read-only)
	linux://                          live processes of the local Linux machine
	/path/to/image                    a file, probed with every image driver

Without a subcommand dmactl starts an interactive shell.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main dmactl root command.
	rootCommand = &cobra.Command{
		Use:   "dmactl [target]",
		Short: "dmactl reads and writes process memory through a DMA device.",
		Long:  dmactlCommandLongDesc,
		Args:  cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
		RunE:         shellCmd,
		SilenceUsage: true,
	}

	addPersistentFlags(rootCommand.PersistentFlags())
	addShellFlags(rootCommand.Flags())

	// 'shell' subcommand.
	shellCommand := &cobra.Command{
		Use:   "shell [target]",
		Short: "Starts the interactive shell.",
		Long: `Starts the interactive shell, optionally attached to target.

A decimal target is a PID, anything else a process name. Type 'help' at the
prompt for the list of commands.`,
		Args: cobra.MaximumNArgs(1),
		RunE: shellCmd,
	}
	addShellFlags(shellCommand.Flags())
	rootCommand.AddCommand(shellCommand)

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps [prefix]",
		Short: "Lists the processes of the target machine.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTerm(cmd, "", func(t *terminal.Term) error {
				return t.Exec("ps " + strings.Join(args, " "))
			})
		},
	}
	rootCommand.AddCommand(psCommand)

	// 'modules' subcommand.
	modulesCommand := &cobra.Command{
		Use:   "modules <target> [filter]",
		Short: "Lists the modules of a process.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  termCmd("modules", 0),
	}
	rootCommand.AddCommand(modulesCommand)

	// 'export' subcommand.
	exportCommand := &cobra.Command{
		Use:   "export <target> <module> <symbol>",
		Short: "Resolves an exported symbol of a module.",
		Long: `Resolves an exported symbol of a module loaded by target.

The symbol may be a name or an ordinal written as #<n>. Forwarded exports
are followed to the module that implements them.`,
		Args: cobra.ExactArgs(3),
		RunE: termCmd("export", 2),
	}
	rootCommand.AddCommand(exportCommand)

	// 'read' subcommand.
	readCommand := &cobra.Command{
		Use:   "read <target> <address> [length]",
		Short: "Prints a hexdump of process memory.",
		Long: `Prints a hexdump of length bytes (default 64) of process memory.

An address is a number, a module name or module!symbol, each optionally
followed by +offset.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: termCmd("examine", 2),
	}
	rootCommand.AddCommand(readCommand)

	// 'write' subcommand.
	writeCommand := &cobra.Command{
		Use:   "write <target> <address> <hex>",
		Short: "Writes bytes to process memory.",
		Args:  cobra.ExactArgs(3),
		RunE:  termCmd("write", 2),
	}
	rootCommand.AddCommand(writeCommand)

	// 'string' subcommand.
	var wide bool
	stringCommand := &cobra.Command{
		Use:   "string <target> <address> [max]",
		Short: "Reads a NUL terminated string.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "string"
			if wide {
				name = "wstring"
			}
			return termCmd(name, 2)(cmd, args)
		},
	}
	stringCommand.Flags().BoolVarP(&wide, "wide", "w", false, "Read a UTF-16 string.")
	rootCommand.AddCommand(stringCommand)

	// 'disasm' subcommand.
	disasmCommand := &cobra.Command{
		Use:   "disasm <target> <address> [length]",
		Short: "Disassembles x86-64 code.",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  termCmd("disassemble", 2),
	}
	rootCommand.AddCommand(disasmCommand)

	// 'script' subcommand.
	scriptCommand := &cobra.Command{
		Use:   "script <file> [target]",
		Short: "Runs a starlark script or a command file.",
		Long: `Runs a starlark script (.star) or a file of shell commands, optionally
attached to target first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) > 1 {
				target = args[1]
			}
			return withTerm(cmd, target, func(t *terminal.Term) error {
				return t.Exec("source " + args[0])
			})
		},
	}
	rootCommand.AddCommand(scriptCommand)

	rootCommand.AddCommand(newBenchCommand())
	rootCommand.AddCommand(newDumpCommand())

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dmactl\n%s\n", version.DMAVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(newGendocCommand(docCall))

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log session and process operations (default)
	scatter		Log scatter transactions
	backend		Log device drivers
	minidump	Log minidump loading
	terminal	Log shell commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addPersistentFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&device, "device", "d", "", `Device locator (default: the configured device or "`+defaultDevice+`").`)
	fs.BoolVarP(&log, "log", "", false, "Enable logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dmactl help log')`)
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dmactl help log').")
}

func addShellFlags(fs *pflag.FlagSet) {
	fs.StringVar(&initFile, "init", "", "Init file, executed by the shell before the prompt.")
}

// deviceLocator returns the locator from --device, the configuration file
// or the built-in default, in this order.
func deviceLocator() string {
	switch {
	case device != "":
		return device
	case conf != nil && conf.Device != "":
		return conf.Device
	}
	return defaultDevice
}

func openSession() (*dma.Session, error) {
	return dma.Open(deviceLocator(), dma.WithExportCacheSize(conf.ExportCache()))
}

// withSession opens the device and calls fn with the session, closing it
// afterwards.
func withSession(fn func(s *dma.Session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// withTerm calls fn with a terminal over a new session, attached to target
// unless target is empty.
func withTerm(cmd *cobra.Command, target string, fn func(t *terminal.Term) error) error {
	return withSession(func(s *dma.Session) error {
		var t *terminal.Term
		if out := cmd.OutOrStdout(); out != os.Stdout {
			t = terminal.NewWithWriter(s, conf, out)
		} else {
			t = terminal.New(s, conf)
		}
		defer t.Close()
		if target != "" {
			if _, err := t.Attach(target); err != nil {
				return err
			}
		}
		return fn(t)
	})
}

// termCmd returns a cobra command body that attaches to args[0] and runs
// the shell command name with the remaining arguments. The first nquoted
// arguments after the target are passed quoted.
func termCmd(name string, nquoted int) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmdline := []string{name}
		for i, arg := range args[1:] {
			if i < nquoted {
				arg = quote(arg)
			}
			cmdline = append(cmdline, arg)
		}
		return withTerm(cmd, args[0], func(t *terminal.Term) error {
			return t.Exec(strings.Join(cmdline, " "))
		})
	}
}

// quote quotes s for the shell command line, unless it needs no quoting.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t'\"\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func shellCmd(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t := terminal.New(s, conf)
	t.InitFile = initFile
	if len(args) > 0 {
		if _, err := t.Attach(args[0]); err != nil {
			t.Close()
			return err
		}
	}
	status, err := t.Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return errors.New("shell exited with an error")
	}
	return nil
}
