// Package terminal implements the interactive shell of dmactl: a line
// editor driven command loop over an attached process, with Starlark
// scripting.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/dma/pkg/dma"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the shell.
type Commands struct {
	cmds []command
	trie *trie.Trie
}

const (
	defaultExamineLen = 64
	defaultDisasmLen  = 64
)

// NewCommands returns a Commands struct with the default commands defined.
func NewCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"ps"}, group: processCmds, cmdFn: ps, helpMsg: `Lists the processes of the target.

	ps [prefix]

Only processes whose name starts with prefix are listed.`},
		{aliases: []string{"attach"}, group: processCmds, cmdFn: attach, helpMsg: `Attaches to a process.

	attach <pid|name>

A decimal argument is a PID, anything else a process name. When more than
one process has the name the first one listed by the backend is used.`},
		{aliases: []string{"info"}, group: processCmds, cmdFn: info, helpMsg: "Prints the PID, parent, name and path of the attached process."},
		{aliases: []string{"modules", "mods"}, group: processCmds, cmdFn: modules, helpMsg: `Lists the modules of the attached process.

	modules [filter]

Only modules whose name contains filter (ignoring case) are listed.`},
		{aliases: []string{"base"}, group: processCmds, cmdFn: base, helpMsg: `Prints the base address of a module.

	base <module>`},
		{aliases: []string{"export", "sym"}, group: processCmds, cmdFn: export, helpMsg: `Resolves an exported symbol.

	export <module> <symbol>

The symbol may be a name or an ordinal written as #<n>. Forwarded exports are followed to the module that implements them.`},
		{aliases: []string{"examine", "x"}, group: memoryCmds, cmdFn: examine, helpMsg: `Examines memory.

	examine <address> [length]

Prints a hexdump of length bytes (default 64). An address is a number, a
module name, or module!symbol, each optionally followed by +offset:

	x 0x20000000 32
	x target.exe
	x kernel32.dll!GetProcAddress+0x10`},
		{aliases: []string{"read", "peek"}, group: memoryCmds, cmdFn: readCmd, helpMsg: `Reads a typed value.

	read <type> <address>

Type is one of u8, u16, u32, u64, i8, i16, i32, i64, f32, f64. Values are
little-endian.`},
		{aliases: []string{"set", "poke"}, group: memoryCmds, cmdFn: setCmd, helpMsg: `Writes a typed value.

	set <type> <address> <value>

See "help read" for the types.`},
		{aliases: []string{"write"}, group: memoryCmds, cmdFn: writeCmd, helpMsg: `Writes bytes.

	write <address> <hex>

	write 0x20000000 deadbeef`},
		{aliases: []string{"string", "str"}, group: memoryCmds, cmdFn: stringCmd, helpMsg: `Reads a NUL terminated UTF-8 string.

	string <address> [max]

At most max bytes are read, the default is the max-string-len configuration value.`},
		{aliases: []string{"wstring", "wstr"}, group: memoryCmds, cmdFn: wstringCmd, helpMsg: `Reads a NUL terminated UTF-16 string.

	wstring <address> [max]

At most max code units are read.`},
		{aliases: []string{"disassemble", "disass"}, group: memoryCmds, cmdFn: disassCmd, helpMsg: `Disassembles x86-64 code.

	disassemble <address> [length]

Decodes length bytes (default 64) in the syntax set by the disassemble-flavor configuration value.`},
		{aliases: []string{"scatter"}, group: memoryCmds, cmdFn: scatterCmd, helpMsg: `Reads an array in a single scatter transaction.

	scatter <address> <size> <count> [stride]

Reads count elements of size bytes, stride bytes apart (default size), and
prints each element or its error, followed by the transaction time.`},
		{aliases: []string{"source"}, group: scriptCmds, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands or a starlark script.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is specified and the output file exists it is truncated. If -x is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the shell."},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.rebuildTrie()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) rebuildTrie() {
	c.trie = trie.New()
	for i, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.trie.Add(alias, i)
		}
	}
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, group: scriptCmds, cmdFn: cf, helpMsg: helpMsg})
	c.rebuildTrie()
}

var errNoCmd = errors.New("command not available")

// Find looks up the command function for the given command name. A name
// that is not an alias selects the command it is an unambiguous prefix
// of.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	if c.trie == nil {
		return noCmdAvailable
	}
	matches := map[int]bool{}
	var names []string
	for _, alias := range c.trie.PrefixSearch(cmdstr) {
		node, ok := c.trie.Find(alias)
		if !ok {
			continue
		}
		i := node.Meta().(int)
		if !matches[i] {
			matches[i] = true
			names = append(names, c.cmds[i].aliases[0])
		}
	}
	switch len(matches) {
	case 0:
		return noCmdAvailable
	case 1:
		for i := range matches {
			return c.cmds[i].cmdFn
		}
	}
	sort.Strings(names)
	return func(t *Term, args string) error {
		return fmt.Errorf("ambiguous command %q: %s", cmdstr, strings.Join(names, ", "))
	}
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdname, args, _ := strings.Cut(strings.TrimSpace(cmdstr), " ")
	return c.Find(cmdname)(t, strings.TrimSpace(args))
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.rebuildTrie()
}

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line with shell quoting rules.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func wrongArgs(usage string) error {
	return fmt.Errorf("wrong number of arguments: %s", usage)
}

// EvalAddr resolves an address expression: a number, a module name or
// module!symbol, optionally followed by +offset.
func (t *Term) EvalAddr(expr string) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty address")
	}
	if n, err := strconv.ParseUint(expr, 0, 64); err == nil {
		return n, nil
	}
	var off uint64
	if i := strings.LastIndexByte(expr, '+'); i > 0 {
		n, err := strconv.ParseUint(strings.TrimSpace(expr[i+1:]), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad offset in %q: %v", expr, err)
		}
		off = n
		expr = strings.TrimSpace(expr[:i])
		if n, err := strconv.ParseUint(expr, 0, 64); err == nil {
			return n + off, nil
		}
	}
	p, err := t.Process()
	if err != nil {
		return 0, err
	}
	if module, symbol, ok := strings.Cut(expr, "!"); ok {
		addr, err := p.ProcAddress(module, symbol)
		if err != nil {
			return 0, err
		}
		return addr + off, nil
	}
	base, err := p.ModuleBase(expr)
	if err != nil {
		return 0, err
	}
	return base + off, nil
}

// parseLen parses an optional positive length argument.
func parseLen(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.ParseInt(args[i], 0, 32)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid length %q", args[i])
	}
	return int(n), nil
}

func ps(t *Term, args string) error {
	procs, err := t.sess.Processes()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPPID\tNAME\tPATH")
	for _, p := range procs {
		if args != "" && !strings.HasPrefix(p.Name, args) {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.PID, p.PPID, p.Name, p.Path)
	}
	return w.Flush()
}

func attach(t *Term, args string) error {
	if args == "" {
		return wrongArgs("attach <pid|name>")
	}
	p, err := t.Attach(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Attached to %s (%d)\n", t.procName, p.PID())
	return nil
}

func info(t *Term, args string) error {
	p, err := t.Process()
	if err != nil {
		return err
	}
	pi, err := p.Info()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "PID:\t%d\n", pi.PID)
	fmt.Fprintf(w, "PPID:\t%d\n", pi.PPID)
	fmt.Fprintf(w, "Name:\t%s\n", pi.Name)
	fmt.Fprintf(w, "Path:\t%s\n", pi.Path)
	return w.Flush()
}

func modules(t *Term, args string) error {
	p, err := t.Process()
	if err != nil {
		return err
	}
	mods, err := p.Modules()
	if err != nil {
		return err
	}
	filter := strings.ToLower(args)
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tSIZE\tENTRY\tNAME\tPATH")
	for _, m := range mods {
		if filter != "" && !strings.Contains(strings.ToLower(m.Name), filter) {
			continue
		}
		fmt.Fprintf(w, "%#x\t%#x\t%#x\t%s\t%s\n", m.Base, m.Size, m.EntryPoint, m.Name, m.Path)
	}
	return w.Flush()
}

func base(t *Term, args string) error {
	if args == "" {
		return wrongArgs("base <module>")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	b, err := p.ModuleBase(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x\n", b)
	return nil
}

func export(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return wrongArgs("export <module> <symbol>")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := p.ProcAddress(v[0], v[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s!%s = %#x\n", v[0], v[1], addr)
	return nil
}

func examine(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return wrongArgs("examine <address> [length]")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[0])
	if err != nil {
		return err
	}
	n, err := parseLen(v, 1, defaultExamineLen)
	if err != nil {
		return err
	}
	data, err := p.ReadBytes(addr, n)
	if err != nil {
		return err
	}
	hexdump(t.stdout, addr, data, t.conf.Width(), t.color)
	return nil
}

// valueType reads and writes one scalar type for the read and set commands.
type valueType struct {
	read  func(p *dma.Process, addr uint64) (string, error)
	write func(p *dma.Process, addr uint64, s string) error
}

func scalarType[T dma.Scalar](format string, parse func(string) (T, error)) valueType {
	return valueType{
		read: func(p *dma.Process, addr uint64) (string, error) {
			v, err := dma.Read[T](p, addr)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf(format, v), nil
		},
		write: func(p *dma.Process, addr uint64, s string) error {
			v, err := parse(s)
			if err != nil {
				return err
			}
			return dma.Write(p, addr, v)
		},
	}
}

func uintType[T ~uint8 | ~uint16 | ~uint32 | ~uint64](bits int) valueType {
	return scalarType[T]("%#x (%[1]d)", func(s string) (T, error) {
		n, err := strconv.ParseUint(s, 0, bits)
		return T(n), err
	})
}

func intType[T ~int8 | ~int16 | ~int32 | ~int64](bits int) valueType {
	return scalarType[T]("%d", func(s string) (T, error) {
		n, err := strconv.ParseInt(s, 0, bits)
		return T(n), err
	})
}

func floatType[T ~float32 | ~float64](bits int) valueType {
	return scalarType[T]("%g", func(s string) (T, error) {
		f, err := strconv.ParseFloat(s, bits)
		return T(f), err
	})
}

var valueTypes = map[string]valueType{
	"u8":  uintType[uint8](8),
	"u16": uintType[uint16](16),
	"u32": uintType[uint32](32),
	"u64": uintType[uint64](64),
	"i8":  intType[int8](8),
	"i16": intType[int16](16),
	"i32": intType[int32](32),
	"i64": intType[int64](64),
	"f32": floatType[float32](32),
	"f64": floatType[float64](64),
}

func lookupType(name string) (valueType, error) {
	vt, ok := valueTypes[name]
	if !ok {
		return valueType{}, fmt.Errorf("unknown type %q", name)
	}
	return vt, nil
}

func readCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return wrongArgs("read <type> <address>")
	}
	vt, err := lookupType(v[0])
	if err != nil {
		return err
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[1])
	if err != nil {
		return err
	}
	s, err := vt.read(p, addr)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, s)
	return nil
}

func setCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 3 {
		return wrongArgs("set <type> <address> <value>")
	}
	vt, err := lookupType(v[0])
	if err != nil {
		return err
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[1])
	if err != nil {
		return err
	}
	return vt.write(p, addr, v[2])
}

func writeCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return wrongArgs("write <address> <hex>")
	}
	data, err := parseHex(v[1])
	if err != nil {
		return err
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[0])
	if err != nil {
		return err
	}
	return p.WriteBytes(addr, data)
}

// parseHex decodes a string of hex digit pairs, optionally separated by
// spaces or prefixed by 0x.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	if s == "" || len(s)%2 != 0 {
		return nil, fmt.Errorf("invalid hex data %q", s)
	}
	r := make([]byte, len(s)/2)
	for i := range r {
		n, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data %q", s)
		}
		r[i] = byte(n)
	}
	return r, nil
}

func stringCmd(t *Term, args string) error {
	return readStringCmd(t, args, "string", t.conf.StringLen(), (*dma.Process).ReadString)
}

func wstringCmd(t *Term, args string) error {
	return readStringCmd(t, args, "wstring", t.conf.StringLen()/2, (*dma.Process).ReadWideString)
}

func readStringCmd(t *Term, args, name string, def int, read func(*dma.Process, uint64, int) (string, error)) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return wrongArgs(name + " <address> [max]")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[0])
	if err != nil {
		return err
	}
	limit, err := parseLen(v, 1, def)
	if err != nil {
		return err
	}
	s, err := read(p, addr, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%q\n", s)
	return nil
}

func disassCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return wrongArgs("disassemble <address> [length]")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[0])
	if err != nil {
		return err
	}
	n, err := parseLen(v, 1, defaultDisasmLen)
	if err != nil {
		return err
	}
	code, err := p.ReadBytes(addr, n)
	if err != nil {
		return err
	}
	disasmPrint(disassemble(code, addr, t.conf.Flavor(), moduleSymbolizer(p)), t.stdout)
	return nil
}

// moduleSymbolizer names addresses by the module containing them.
func moduleSymbolizer(p *dma.Process) symbolizer {
	mods, err := p.Modules()
	if err != nil {
		return nil
	}
	return func(addr uint64) (string, uint64) {
		for _, m := range mods {
			if addr >= m.Base && addr-m.Base < m.Size {
				return m.Name, m.Base
			}
		}
		return "", 0
	}
}

func scatterCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 3 || len(v) > 4 {
		return wrongArgs("scatter <address> <size> <count> [stride]")
	}
	p, err := t.Process()
	if err != nil {
		return err
	}
	addr, err := t.EvalAddr(v[0])
	if err != nil {
		return err
	}
	size, err := parseLen(v, 1, 0)
	if err != nil {
		return err
	}
	count, err := parseLen(v, 2, 0)
	if err != nil {
		return err
	}
	stride, err := parseLen(v, 3, size)
	if err != nil {
		return err
	}

	sc, err := p.Scatter()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		sc.PrepareRead(addr+uint64(i*stride), size)
	}
	start := time.Now()
	if err := sc.Execute(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for i := 0; i < count; i++ {
		a := addr + uint64(i*stride)
		b, err := sc.Read(a, size)
		if err != nil {
			fmt.Fprintf(w, "%#x:\terror: %v\n", a, err)
			continue
		}
		fmt.Fprintf(w, "%#x:\t% x\n", a, b)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d entries, %d failed, %v\n", count, len(sc.Failures()), elapsed)
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return wrongArgs("source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

// executeFile runs every line of name as a command. Empty lines and lines
// starting with '#' are skipped; a failing command does not stop the file.
func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func transcript(t *Term, args string) error {
	argv := strings.Fields(args)
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-o option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.TranscribeTo(fh, fileOnly); err != nil {
		fh.Close()
		return err
	}
	return nil
}

// ExitRequestError is returned when the user
// exits the shell.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
