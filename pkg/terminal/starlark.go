package terminal

import (
	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Process() (*dma.Process, error) {
	return ctx.term.Process()
}

func (ctx starlarkContext) Attach(target string) (*dma.Process, error) {
	return ctx.term.Attach(target)
}

func (ctx starlarkContext) Session() *dma.Session {
	return ctx.term.sess
}

func (ctx starlarkContext) EvalAddr(expr string) (uint64, error) {
	return ctx.term.EvalAddr(expr)
}

func (ctx starlarkContext) MaxStringLen() int {
	return ctx.term.conf.StringLen()
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
