package dma

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/memspace"
)

// maxForwardHops bounds the chain of forwarded exports followed by
// ProcAddress.
const maxForwardHops = 4

// Module is a snapshot of one loaded image. It becomes stale if the target
// unloads or reloads the module.
type Module struct {
	Name       string
	Base       uint64
	Size       uint64
	EntryPoint uint64
	Path       string
}

// Process is a handle to one target process. Its PID is resolved once, at
// attach time.
type Process struct {
	s       *Session
	bp      backend.Process
	pid     uint32
	exports *lru.Cache
}

type exportKey struct {
	base   uint64
	symbol string
}

func newProcess(s *Session, bp backend.Process, pid uint32) *Process {
	p := &Process{s: s, bp: bp, pid: pid}
	if s.exportCacheSize > 0 {
		p.exports, _ = lru.New(s.exportCacheSize)
	}
	return p
}

// PID returns the process id resolved at attach time.
func (p *Process) PID() uint32 {
	return p.pid
}

// Info queries the current metadata of the process.
func (p *Process) Info() (ProcessInfo, error) {
	info, err := processInfo(p.bp)
	if err != nil {
		return ProcessInfo{}, &EnumerationError{What: fmt.Sprintf("querying process %d", p.pid), Err: err}
	}
	return info, nil
}

// Modules lists the loaded modules in backend order, typically load order.
func (p *Process) Modules() ([]Module, error) {
	entries, err := p.bp.Modules()
	if err != nil {
		return nil, &EnumerationError{What: fmt.Sprintf("listing modules of process %d", p.pid), Err: err}
	}
	r := make([]Module, len(entries))
	for i, e := range entries {
		r[i] = Module{Name: e.Name, Base: e.Base, Size: e.Size, EntryPoint: e.EntryPoint, Path: e.Path}
	}
	return r, nil
}

// Module returns the module called name. An exact match is preferred,
// otherwise the first module whose name matches ignoring case is returned.
func (p *Process) Module(name string) (Module, error) {
	mods, err := p.Modules()
	if err != nil {
		return Module{}, err
	}
	for _, m := range mods {
		if m.Name == name {
			return m, nil
		}
	}
	for _, m := range mods {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Module{}, &NotFoundError{Kind: KindModule, Name: name}
}

// ModuleBase returns the base address of the module called name.
func (p *Process) ModuleBase(name string) (uint64, error) {
	m, err := p.Module(name)
	if err != nil {
		return 0, err
	}
	return m.Base, nil
}

// ProcAddress returns the address of the function exported by module as
// symbol. A symbol of the form "#n" selects the export with ordinal n.
// Forwarded exports are followed into the module they name.
func (p *Process) ProcAddress(module, symbol string) (uint64, error) {
	m, err := p.Module(module)
	if err != nil {
		return 0, err
	}
	for hop := 0; ; hop++ {
		addr, err := p.resolveExport(m, symbol)
		var fwd *backend.ForwardedExportError
		if !errors.As(err, &fwd) {
			return addr, err
		}
		if hop == maxForwardHops {
			return 0, &NotFoundError{Kind: KindSymbol, Name: symbol, Module: m.Name, Err: fmt.Errorf("too many forwarders: %w", err)}
		}
		logflags.SessionLogger().Debugf("%s!%s forwarded to %s!%s", m.Name, symbol, fwd.Module, fwd.Symbol)
		next, err := p.Module(fwd.Module)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				nf.Err = fwd
			}
			return 0, err
		}
		m, symbol = next, fwd.Symbol
	}
}

func (p *Process) resolveExport(m Module, symbol string) (uint64, error) {
	key := exportKey{m.Base, symbol}
	if p.exports != nil {
		if v, ok := p.exports.Get(key); ok {
			return v.(uint64), nil
		}
	}
	me := backend.ModuleEntry{Name: m.Name, Base: m.Base, Size: m.Size, EntryPoint: m.EntryPoint, Path: m.Path}
	addr, err := p.bp.ResolveExport(me, symbol)
	var fwd *backend.ForwardedExportError
	switch {
	case err == nil:
	case errors.As(err, &fwd):
		return 0, fwd
	case errors.Is(err, backend.ErrNoSymbol):
		return 0, &NotFoundError{Kind: KindSymbol, Name: symbol, Module: m.Name, Err: err}
	case errors.Is(err, backend.ErrNoModule):
		return 0, &NotFoundError{Kind: KindModule, Name: m.Name, Err: err}
	default:
		return 0, &MemoryError{Op: "export lookup", Addr: m.Base, Size: int(m.Size), Err: err}
	}
	if p.exports != nil {
		p.exports.Add(key, addr)
	}
	return addr, nil
}

// ReadInto fills buf with the memory at addr. A partial read is an error.
func (p *Process) ReadInto(addr uint64, buf []byte) error {
	n, err := p.bp.ReadMemory(buf, addr)
	if err == nil && n != len(buf) {
		err = memspace.ErrShortRead
	}
	if err != nil {
		return &MemoryError{Op: "read", Addr: addr, Size: len(buf), Err: err}
	}
	return nil
}

// ReadBytes reads n bytes at addr. A partial read is an error.
func (p *Process) ReadBytes(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, &MemoryError{Op: "read", Addr: addr, Size: n, Err: errors.New("negative length")}
	}
	buf := make([]byte, n)
	if err := p.ReadInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes writes data at addr. A partial write is an error.
func (p *Process) WriteBytes(addr uint64, data []byte) error {
	n, err := p.bp.WriteMemory(addr, data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("%w, %d of %d bytes", memspace.ErrShortWrite, n, len(data))
	}
	if err != nil {
		return &MemoryError{Op: "write", Addr: addr, Size: len(data), Err: err}
	}
	return nil
}

// ReadString reads max bytes at addr and returns them up to the first NUL
// byte as a string. All max bytes must be readable. Invalid UTF-8 is
// reported as a *DecodingError.
func (p *Process) ReadString(addr uint64, max int) (string, error) {
	buf, err := p.ReadBytes(addr, max)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	if off := invalidUTF8(buf); off >= 0 {
		return "", &DecodingError{Addr: addr, Offset: off, Encoding: "UTF-8"}
	}
	return string(buf), nil
}

// invalidUTF8 returns the offset of the first invalid sequence in b, or -1.
func invalidUTF8(b []byte) int {
	for off := 0; off < len(b); {
		r, size := utf8.DecodeRune(b[off:])
		if r == utf8.RuneError && size == 1 {
			return off
		}
		off += size
	}
	return -1
}

// ReadWideString reads maxChars UTF-16LE code units at addr and decodes
// them up to the first NUL unit. Unpaired surrogates are reported as a
// *DecodingError.
func (p *Process) ReadWideString(addr uint64, maxChars int) (string, error) {
	if maxChars < 0 {
		return "", &MemoryError{Op: "read", Addr: addr, Size: maxChars, Err: errors.New("negative length")}
	}
	buf, err := p.ReadBytes(addr, 2*maxChars)
	if err != nil {
		return "", err
	}
	u := make([]uint16, 0, maxChars)
	for i := 0; i+1 < len(buf); i += 2 {
		c := uint16(buf[i]) | uint16(buf[i+1])<<8
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	for i := 0; i < len(u); i++ {
		switch {
		case utf16.IsSurrogate(rune(u[i])) && u[i] < 0xdc00 && i+1 < len(u) && u[i+1] >= 0xdc00 && u[i+1] <= 0xdfff:
			i++
		case utf16.IsSurrogate(rune(u[i])):
			return "", &DecodingError{Addr: addr, Offset: 2 * i, Encoding: "UTF-16"}
		}
	}
	return string(utf16.Decode(u)), nil
}

// Scatter opens a new, empty scatter batch.
func (p *Process) Scatter() (*Scatter, error) {
	return newScatter(p), nil
}
