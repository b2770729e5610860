package starbind

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/go-delve/dma/pkg/dma"
)

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type signed interface {
	~int8 | ~int16 | ~int32 | ~int64
}

type float interface {
	~float32 | ~float64
}

func readUnsigned[T unsigned](p *dma.Process, addr uint64) (starlark.Value, error) {
	v, err := dma.Read[T](p, addr)
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(uint64(v)), nil
}

func readSigned[T signed](p *dma.Process, addr uint64) (starlark.Value, error) {
	v, err := dma.Read[T](p, addr)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(v)), nil
}

func readFloat[T float](p *dma.Process, addr uint64) (starlark.Value, error) {
	v, err := dma.Read[T](p, addr)
	if err != nil {
		return nil, err
	}
	return starlark.Float(v), nil
}

func writeUnsigned[T unsigned](p *dma.Process, addr uint64, v starlark.Value) error {
	i, ok := v.(starlark.Int)
	if !ok {
		return fmt.Errorf("got %s, want int", v.Type())
	}
	n, ok := i.Uint64()
	if !ok || uint64(T(n)) != n {
		return fmt.Errorf("%v out of range", v)
	}
	return dma.Write(p, addr, T(n))
}

func writeSigned[T signed](p *dma.Process, addr uint64, v starlark.Value) error {
	i, ok := v.(starlark.Int)
	if !ok {
		return fmt.Errorf("got %s, want int", v.Type())
	}
	n, ok := i.Int64()
	if !ok || int64(T(n)) != n {
		return fmt.Errorf("%v out of range", v)
	}
	return dma.Write(p, addr, T(n))
}

func writeFloat[T float](p *dma.Process, addr uint64, v starlark.Value) error {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return fmt.Errorf("got %s, want float", v.Type())
	}
	return dma.Write(p, addr, T(f))
}

var typedReads = map[string]func(*dma.Process, uint64) (starlark.Value, error){
	"u8":  readUnsigned[uint8],
	"u16": readUnsigned[uint16],
	"u32": readUnsigned[uint32],
	"u64": readUnsigned[uint64],
	"i8":  readSigned[int8],
	"i16": readSigned[int16],
	"i32": readSigned[int32],
	"i64": readSigned[int64],
	"f32": readFloat[float32],
	"f64": readFloat[float64],
}

var typedWrites = map[string]func(*dma.Process, uint64, starlark.Value) error{
	"u8":  writeUnsigned[uint8],
	"u16": writeUnsigned[uint16],
	"u32": writeUnsigned[uint32],
	"u64": writeUnsigned[uint64],
	"i8":  writeSigned[int8],
	"i16": writeSigned[int16],
	"i32": writeSigned[int32],
	"i64": writeSigned[int64],
	"f32": writeFloat[float32],
	"f64": writeFloat[float64],
}

// addrArg converts an int or an address expression to an address.
func (env *Env) addrArg(v starlark.Value) (uint64, error) {
	switch v := v.(type) {
	case starlark.Int:
		if n, ok := v.Uint64(); ok {
			return n, nil
		}
		return 0, fmt.Errorf("address %v out of range", v)
	case starlark.String:
		return env.ctx.EvalAddr(string(v))
	}
	return 0, fmt.Errorf("got %s, want address", v.Type())
}

// procArgs returns the attached process and the address passed as first
// argument. The remaining arguments are unpacked into rest, the first min
// arguments are required.
func (env *Env) procArgs(fnname string, min int, args starlark.Tuple, kwargs []starlark.Tuple, rest ...interface{}) (*dma.Process, uint64, error) {
	var addrv starlark.Value
	pairs := append([]interface{}{&addrv}, rest...)
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, min, pairs...); err != nil {
		return nil, 0, err
	}
	p, err := env.ctx.Process()
	if err != nil {
		return nil, 0, err
	}
	addr, err := env.addrArg(addrv)
	if err != nil {
		return nil, 0, err
	}
	return p, addr, nil
}

func bytesArg(v starlark.Value) ([]byte, error) {
	switch v := v.(type) {
	case starlark.Bytes:
		return []byte(v), nil
	case starlark.String:
		return []byte(v), nil
	case *starlark.List:
		r := make([]byte, v.Len())
		for i := range r {
			n, err := starlark.AsInt32(v.Index(i))
			if err != nil || n < 0 || n > 0xff {
				return nil, fmt.Errorf("element %d is not a byte", i)
			}
			r[i] = byte(n)
		}
		return r, nil
	}
	return nil, fmt.Errorf("got %s, want bytes", v.Type())
}

func (env *Env) memoryBuiltins() {
	env.builtin("read", "(Addr, Len)", "reads Len bytes at Addr and returns them as bytes.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		p, addr, err := env.procArgs("read", 2, args, kwargs, &n)
		if err != nil {
			return nil, err
		}
		b, err := p.ReadBytes(addr, n)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(b), nil
	})

	for typ, fn := range typedReads {
		name, fn := "read_"+typ, fn
		env.builtin(name, "(Addr)", "reads a little-endian "+typ+" at Addr.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			p, addr, err := env.procArgs(name, 1, args, kwargs)
			if err != nil {
				return nil, err
			}
			return fn(p, addr)
		})
	}

	for typ, fn := range typedWrites {
		name, fn := "write_"+typ, fn
		env.builtin(name, "(Addr, Value)", "writes Value at Addr as a little-endian "+typ+".", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			p, addr, err := env.procArgs(name, 2, args, kwargs, &v)
			if err != nil {
				return nil, err
			}
			return starlark.None, fn(p, addr, v)
		})
	}

	env.builtin("write", "(Addr, Data)", "writes Data (bytes, string or list of ints) at Addr.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var datav starlark.Value
		p, addr, err := env.procArgs("write", 2, args, kwargs, &datav)
		if err != nil {
			return nil, err
		}
		data, err := bytesArg(datav)
		if err != nil {
			return nil, err
		}
		return starlark.None, p.WriteBytes(addr, data)
	})

	env.builtin("read_string", "(Addr, Max)", "reads a NUL terminated UTF-8 string of at most Max bytes.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		limit := env.ctx.MaxStringLen()
		p, addr, err := env.procArgs("read_string", 1, args, kwargs, &limit)
		if err != nil {
			return nil, err
		}
		s, err := p.ReadString(addr, limit)
		if err != nil {
			return nil, err
		}
		return starlark.String(s), nil
	})

	env.builtin("read_wstring", "(Addr, Max)", "reads a NUL terminated UTF-16 string of at most Max code units.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		limit := env.ctx.MaxStringLen() / 2
		p, addr, err := env.procArgs("read_wstring", 1, args, kwargs, &limit)
		if err != nil {
			return nil, err
		}
		s, err := p.ReadWideString(addr, limit)
		if err != nil {
			return nil, err
		}
		return starlark.String(s), nil
	})

	env.builtin("module_base", "(Name)", "returns the base address of the named module.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs("module_base", args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		p, err := env.ctx.Process()
		if err != nil {
			return nil, err
		}
		base, err := p.ModuleBase(name)
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(base), nil
	})

	env.builtin("proc_address", "(Module, Symbol)", "returns the address of an exported symbol.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var module, symbol string
		if err := starlark.UnpackPositionalArgs("proc_address", args, kwargs, 2, &module, &symbol); err != nil {
			return nil, err
		}
		p, err := env.ctx.Process()
		if err != nil {
			return nil, err
		}
		addr, err := p.ProcAddress(module, symbol)
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(addr), nil
	})

	env.builtin("modules", "()", "returns the modules of the attached process.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs("modules", args, kwargs, 0); err != nil {
			return nil, err
		}
		p, err := env.ctx.Process()
		if err != nil {
			return nil, err
		}
		mods, err := p.Modules()
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(mods), nil
	})

	env.builtin("processes", "()", "returns the processes visible to the session.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs("processes", args, kwargs, 0); err != nil {
			return nil, err
		}
		procs, err := env.ctx.Session().Processes()
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(procs), nil
	})

	env.builtin("attach", "(Target)", "attaches to a process by PID or name and returns its info.", func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target starlark.Value
		if err := starlark.UnpackPositionalArgs("attach", args, kwargs, 1, &target); err != nil {
			return nil, err
		}
		s := target.String()
		if str, ok := target.(starlark.String); ok {
			s = string(str)
		}
		p, err := env.ctx.Attach(s)
		if err != nil {
			return nil, err
		}
		info, err := p.Info()
		if err != nil {
			return nil, err
		}
		return toStarlarkValue(info), nil
	})

	env.builtin("scatter_read", "(Requests)", `reads a list of (Addr, Len) pairs in one transaction.

The result has one element per request: the bytes read or None if that
request failed.`, func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reqs *starlark.List
		if err := starlark.UnpackPositionalArgs("scatter_read", args, kwargs, 1, &reqs); err != nil {
			return nil, err
		}
		p, err := env.ctx.Process()
		if err != nil {
			return nil, err
		}
		type request struct {
			addr uint64
			n    int
		}
		rs := make([]request, reqs.Len())
		sc, err := p.Scatter()
		if err != nil {
			return nil, err
		}
		for i := range rs {
			pair, ok := reqs.Index(i).(starlark.Tuple)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("request %d is not an (addr, len) pair", i)
			}
			addr, err := env.addrArg(pair[0])
			if err != nil {
				return nil, fmt.Errorf("request %d: %v", i, err)
			}
			n, err := starlark.AsInt32(pair[1])
			if err != nil {
				return nil, fmt.Errorf("request %d: %v", i, err)
			}
			rs[i] = request{addr, n}
			sc.PrepareRead(addr, n)
		}
		if err := sc.Execute(); err != nil {
			return nil, err
		}
		out := make([]starlark.Value, len(rs))
		for i, r := range rs {
			b, err := sc.Read(r.addr, r.n)
			switch {
			case err == nil:
				out[i] = starlark.Bytes(b)
			case errors.Is(err, dma.ErrMemory):
				out[i] = starlark.None
			default:
				return nil, err
			}
		}
		return starlark.NewList(out), nil
	})
}
