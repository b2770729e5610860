package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/go-delve/dma/pkg/config"
	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/terminal/starbind"
)

const (
	historyFile   string = ".dmactl_history"
	defaultPrompt string = "(dma) "
)

var errNotAttached = errors.New("not attached to a process, use \"attach <pid|name>\"")

// Term represents the interactive shell of dmactl.
type Term struct {
	sess     *dma.Session
	proc     *dma.Process
	procName string
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	stdout   *transcriptWriter
	color    bool
	InitFile string

	starlarkEnv *starbind.Env
}

// New returns a new Term reading from and writing to the terminal.
func New(s *dma.Session, conf *config.Config) *Term {
	w, color := stdoutWriter()
	return newTerm(s, conf, w, color)
}

// NewWithWriter returns a new Term writing to w, without colors.
func NewWithWriter(s *dma.Session, conf *config.Config, w io.Writer) *Term {
	return newTerm(s, conf, w, false)
}

func newTerm(s *dma.Session, conf *config.Config, w io.Writer, color bool) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := NewCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	t := &Term{
		sess:   s,
		conf:   conf,
		prompt: defaultPrompt,
		cmds:   cmds,
		stdout: &transcriptWriter{w: w},
		color:  color,
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// Attach attaches the terminal to the process with the given PID or name.
func (t *Term) Attach(target string) (*dma.Process, error) {
	p, err := t.sess.Attach(target)
	if err != nil {
		return nil, err
	}
	info, err := p.Info()
	if err != nil {
		return nil, err
	}
	t.proc, t.procName = p, info.Name
	t.prompt = fmt.Sprintf("(dma:%s) ", info.Name)
	logflags.TerminalLogger().Debugf("attached to %s (%d)", info.Name, info.PID)
	return p, nil
}

// Process returns the attached process.
func (t *Term) Process() (*dma.Process, error) {
	if t.proc == nil {
		return nil, errNotAttached
	}
	return t.proc, nil
}

// Exec runs a single command line, as if it had been typed at the prompt.
func (t *Term) Exec(cmdstr string) error {
	defer t.stdout.Flush()
	return t.cmds.Call(cmdstr, t)
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
	if err := t.stdout.CloseTranscript(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing transcript file: %v\n", err)
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.starlarkEnv.Cancel()
	}
}

// Run reads commands until EOF or exit. The returned status is the exit
// code of the shell.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		if err := t.cmds.executeFile(t, t.InitFile); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}
		t.stdout.Echo(t.prompt + cmdstr + "\n")

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
		t.stdout.Flush()
	}
}

// complete completes the command name with the trie of all aliases, and
// module names in the argument position.
func (t *Term) complete(line string) []string {
	cmdstr, args, hasArgs := strings.Cut(line, " ")
	if !hasArgs {
		return t.cmds.trie.PrefixSearch(cmdstr)
	}
	if t.proc == nil || strings.Contains(args, " ") {
		return nil
	}
	mods, err := t.proc.Modules()
	if err != nil {
		return nil
	}
	names := trie.New()
	for _, m := range mods {
		names.Add(m.Name, nil)
	}
	var r []string
	for _, name := range names.PrefixSearch(args) {
		r = append(r, cmdstr+" "+name)
	}
	return r
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return 0, nil
	}
	f, err := os.Create(fullHistoryFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return 0, nil
	}
	if _, err := t.line.WriteHistory(f); err != nil {
		fmt.Println("readline history error:", err)
	}
	f.Close()
	return 0, nil
}
