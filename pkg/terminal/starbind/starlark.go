package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/dma/pkg/dma"
)

const (
	dmaCommandBuiltinName = "dma_command"
	readFileBuiltinName   = "read_file"
	writeFileBuiltinName  = "write_file"
	helpBuiltinName       = "help"
	commandPrefix         = "command_"
	dmaContextName        = "dma_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Context is the context in which starlark scripts are evaluated: the
// attached process and the command line of the terminal.
type Context interface {
	// Process returns the attached process or an error if there is none.
	Process() (*dma.Process, error)
	// Attach attaches to the process with the given PID or name.
	Attach(target string) (*dma.Process, error)
	// Session returns the session of the terminal.
	Session() *dma.Session
	// EvalAddr resolves an address expression such as "ntdll.dll+0x10".
	EvalAddr(expr string) (uint64, error)
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
	MaxStringLen() int
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out EchoWriter
}

// New creates a new starlark binding environment.
func New(ctx Context, out EchoWriter) *Env {
	env := &Env{ctx: ctx, out: out, env: starlark.StringDict{}, doc: map[string]string{}}

	starlark.Universe["time"] = startime.Module

	env.memoryBuiltins()

	env.builtin(dmaCommandBuiltinName, "(Command)", "runs a terminal command.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of dma_command is not a string")
			}
			argstrs[i] = string(a)
		}
		return starlark.None, env.ctx.CallCommand(strings.Join(argstrs, " "))
	})

	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(readFileBuiltinName, args, kwargs, 1, &path); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return starlark.String(buf), nil
	})

	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		var text starlark.Value
		if err := starlark.UnpackPositionalArgs(writeFileBuiltinName, args, kwargs, 2, &path, &text); err != nil {
			return nil, err
		}
		data := text.String()
		switch t := text.(type) {
		case starlark.String:
			data = string(t)
		case starlark.Bytes:
			data = string(t)
		}
		return starlark.None, os.WriteFile(path, []byte(data), 0640)
	})

	env.builtin(helpBuiltinName, "([Object])", "prints the list of builtins, or the help of Object.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var obj starlark.Value
		if err := starlark.UnpackPositionalArgs(helpBuiltinName, args, kwargs, 0, &obj); err != nil {
			return nil, err
		}
		env.help(obj)
		return starlark.None, nil
	})

	return env
}

// help prints the signature of every builtin when obj is nil and the
// documentation of obj otherwise.
func (env *Env) help(obj starlark.Value) {
	switch x := obj.(type) {
	case nil:
		names := make([]string, 0, len(env.doc))
		for name := range env.doc {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(env.out, "Builtins:")
		for _, name := range names {
			sig, _, _ := strings.Cut(env.doc[name], "\n")
			fmt.Fprintf(env.out, "\t%s\n", sig)
		}
	case *starlark.Builtin:
		if doc := env.doc[x.Name()]; doc != "" {
			fmt.Fprintln(env.out, doc)
			return
		}
		fmt.Fprintf(env.out, "%s: no documentation\n", x.Name())
	case *starlark.Function:
		fmt.Fprintf(env.out, "%s: script function\n", x.Name())
		if doc := x.Doc(); doc != "" {
			fmt.Fprintln(env.out, doc)
		}
	default:
		fmt.Fprintf(env.out, "%s: no documentation\n", obj.Type())
	}
}

type builtinFunc func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// builtin defines a predeclared function. Errors returned by fn are
// decorated with the script position of the call and calls fail once the
// script has been cancelled.
func (env *Env) builtin(name, args, descr string, fn builtinFunc) {
	env.env[name] = starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		v, err := fn(thread, args, kwargs)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return v, nil
	})
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

// Redirect redirects starlark output to out.
func (env *Env) Redirect(out EchoWriter) {
	env.out = out
	if env.thread != nil {
		env.thread.Print = env.printFunc()
	}
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// After the file is executed if a function named mainFnName exists it will
// be called, passing args to it.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, _err error) {
	defer func() {
		if r := recover(); r != nil {
			_err = fmt.Errorf("panic executing starlark script: %v", r)
			fmt.Fprintf(env.out, "%v\n%s", _err, debug.Stack())
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}

	if err := env.exportGlobals(globals); err != nil {
		return starlark.None, err
	}

	return env.callMain(thread, globals, mainFnName, args)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from globals with a name
// starting with "command_".
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			if err := env.createCommand(name, val); err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// Cancel cancels the execution of a currently running script or function.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(dmaContextName, ctx)
	return thread
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}

	name = name[len(commandPrefix):]

	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(args)}, nil)
				return err
			})
			return nil
		}
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argtuple := starlark.Tuple{}
		if strings.TrimSpace(args) != "" {
			argval, err := starlark.Eval(thread, "<input>", "("+args+",)", env.env)
			if err != nil {
				return err
			}
			argtuple = argval.(starlark.Tuple)
		}
		_, err := starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
	return nil
}

// callMain calls the main function in globals, if one was defined.
func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict, mainFnName string, args []interface{}) (starlark.Value, error) {
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = toStarlarkValue(args[i])
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(dmaContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}

// EchoWriter is the output of an Env. Echo writes only to the transcript,
// if one is active.
type EchoWriter interface {
	io.Writer
	Echo(string)
	Flush()
}
