// Package minidump implements the acquisition backend for captured Windows
// minidump files. A dump holds a single process; its memory is read-only.
//
// The driver registers the "minidump" scheme and is probed for bare file
// paths.
package minidump

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/memspace"
	mdfile "github.com/go-delve/dma/pkg/minidump"
	"github.com/go-delve/dma/pkg/pe"
)

// Scheme is the locator scheme of minidump files.
const Scheme = "minidump"

// fallbackPID is the PID reported for dumps written without a misc info
// stream. PID 0 is reserved for the idle process and never listed.
const fallbackPID = 1

func init() {
	backend.Register(Scheme, backend.DriverFunc(Open), true)
}

// Open loads the minidump file named by the locator target.
func Open(loc backend.Locator) (backend.Conn, error) {
	if loc.Target == "" {
		return nil, errors.New("minidump: missing file path in device locator")
	}
	logger := logflags.MinidumpLogger()
	dump, err := mdfile.Open(loc.Target, logger.Debugf)
	if err != nil {
		var notDump mdfile.ErrNotAMinidump
		if errors.As(err, &notDump) {
			return nil, fmt.Errorf("%s: %v: %w", loc.Target, err, backend.ErrUnrecognizedFormat)
		}
		return nil, err
	}
	return NewConn(dump, loc.Target), nil
}

// NewConn returns a connection serving the process captured in dump.
func NewConn(dump *mdfile.Minidump, path string) backend.Conn {
	p := &process{mem: &memspace.SplicedMemory{}}
	for i := range dump.MemoryRanges {
		r := &dump.MemoryRanges[i]
		p.mem.Add(r, r.Addr, uint64(len(r.Data)))
	}
	p.entry.PID = dump.Pid
	if p.entry.PID == 0 {
		p.entry.PID = fallbackPID
	}
	if len(dump.Modules) > 0 {
		p.path = dump.Modules[0].Name
		p.entry.Name = baseName(p.path)
	} else {
		p.entry.Name = baseName(path)
	}
	for _, m := range dump.Modules {
		me := backend.ModuleEntry{
			Name: baseName(m.Name),
			Base: m.BaseOfImage,
			Size: uint64(m.SizeOfImage),
			Path: m.Name,
		}
		if img, err := pe.Open(p.mem, m.BaseOfImage); err == nil {
			me.EntryPoint = img.EntryPoint
		}
		p.modules = append(p.modules, me)
	}
	return &conn{proc: p}
}

// baseName returns the last element of a Windows or slash separated path.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

type conn struct {
	mu     sync.Mutex
	closed bool
	proc   *process
}

func (c *conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return backend.ErrClosed
	}
	return nil
}

func (c *conn) Processes() ([]backend.ProcessEntry, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return []backend.ProcessEntry{c.proc.entry}, nil
}

func (c *conn) OpenProcess(sel backend.Selector) (backend.Process, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if sel.Name != "" {
		if sel.Name != c.proc.entry.Name {
			return nil, fmt.Errorf("%s: %w", sel, backend.ErrNoProcess)
		}
	} else if sel.PID != c.proc.entry.PID {
		return nil, fmt.Errorf("%s: %w", sel, backend.ErrNoProcess)
	}
	return c.proc, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type process struct {
	entry   backend.ProcessEntry
	path    string
	mem     *memspace.SplicedMemory
	modules []backend.ModuleEntry
}

func (p *process) Entry() (backend.ProcessEntry, error) { return p.entry, nil }

func (p *process) Path() string { return p.path }

func (p *process) Modules() ([]backend.ModuleEntry, error) {
	r := make([]backend.ModuleEntry, len(p.modules))
	copy(r, p.modules)
	return r, nil
}

func (p *process) ResolveExport(module backend.ModuleEntry, symbol string) (uint64, error) {
	img, err := pe.Open(p.mem, module.Base)
	if err != nil {
		return 0, fmt.Errorf("%s at %#x: %v: %w", module.Name, module.Base, err, backend.ErrNoModule)
	}
	return img.Lookup(symbol)
}

func (p *process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if !p.mem.Contains(addr, uint64(len(buf))) {
		n, _ := p.mem.ReadMemory(buf, addr)
		return n, fmt.Errorf("%#x: %w", addr, backend.ErrUnmapped)
	}
	return p.mem.ReadMemory(buf, addr)
}

func (p *process) WriteMemory(addr uint64, data []byte) (int, error) {
	return 0, fmt.Errorf("%#x: %w", addr, backend.ErrReadOnly)
}

func (p *process) ExecuteScatter(entries []*backend.ScatterEntry) error {
	return backend.ExecuteSerial(p, entries)
}

// ScatterWrites reports false: write entries always fail with
// backend.ErrReadOnly.
func (p *process) ScatterWrites() bool { return false }
