// Package sim implements an in-memory acquisition backend. A World holds a
// set of simulated processes with their modules and memory regions; every
// connection to it charges a fixed latency per backend call, which makes it
// possible to measure the effect of scatter batching without hardware.
//
// Worlds are published under a name and reached with the locator
//
//	sim://<name>[,latency=<duration>][,scatterwrites=false]
//
// or loaded from a YAML snapshot file with snapshot://<file.yml>.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/memspace"
	"github.com/go-delve/dma/pkg/pe"
)

// World is a simulated target machine.
type World struct {
	mu      sync.Mutex
	procs   []*Process
	listErr error
	latency time.Duration
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{}
}

// Process is a simulated process.
type Process struct {
	w        *World
	entry    backend.ProcessEntry
	path     string
	modules  []backend.ModuleEntry
	regions  []*region
	mem      memspace.SplicedMemory
	entryErr error
	modErr   error
}

type region struct {
	memspace.Region
	writable bool
}

// AddProcess adds a process to w. Processes are listed in the order they
// were added.
func (w *World) AddProcess(pid, ppid uint32, name, path string) *Process {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := &Process{w: w, entry: backend.ProcessEntry{PID: pid, PPID: ppid, Name: name}, path: path}
	w.procs = append(w.procs, p)
	return p
}

// SetLatency sets the per-call latency of connections that do not give
// one in their locator.
func (w *World) SetLatency(d time.Duration) {
	w.mu.Lock()
	w.latency = d
	w.mu.Unlock()
}

// FailListing makes process enumeration fail with err; nil restores it.
func (w *World) FailListing(err error) {
	w.mu.Lock()
	w.listErr = err
	w.mu.Unlock()
}

// PID returns the process id of p.
func (p *Process) PID() uint32 {
	return p.entry.PID
}

// FailEntry makes metadata queries for p fail with err; nil restores them.
func (p *Process) FailEntry(err error) {
	p.w.mu.Lock()
	p.entryErr = err
	p.w.mu.Unlock()
}

// FailModules makes module enumeration for p fail with err; nil restores it.
func (p *Process) FailModules(err error) {
	p.w.mu.Lock()
	p.modErr = err
	p.w.mu.Unlock()
}

// Map adds a memory region backed by data at addr. Regions must not
// overlap. The slice is used directly: writes through the backend are
// visible to the caller.
func (p *Process) Map(addr uint64, data []byte, writable bool) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	p.mapLocked(addr, data, writable)
}

func (p *Process) mapLocked(addr uint64, data []byte, writable bool) {
	r := &region{Region: memspace.Region{Addr: addr, Data: data}, writable: writable}
	p.regions = append(p.regions, r)
	sort.SliceStable(p.regions, func(i, j int) bool { return p.regions[i].Addr < p.regions[j].Addr })
	p.mem.Add(&r.Region, addr, uint64(len(data)))
}

// AddModule builds a PE image described by desc, maps it read-only at base
// and appends it to the module list.
func (p *Process) AddModule(path string, base uint64, desc pe.ImageSpec) backend.ModuleEntry {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if desc.Name == "" {
		desc.Name = baseName(path)
	}
	img := pe.Build(desc)
	p.mapLocked(base, img, false)
	m := backend.ModuleEntry{
		Name: desc.Name,
		Base: base,
		Size: uint64(len(img)),
		Path: path,
	}
	if desc.EntryPoint != 0 {
		m.EntryPoint = base + uint64(desc.EntryPoint)
	}
	p.modules = append(p.modules, m)
	return m
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (w *World) processes() ([]backend.ProcessEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listErr != nil {
		return nil, w.listErr
	}
	r := make([]backend.ProcessEntry, 0, len(w.procs))
	for _, p := range w.procs {
		r = append(r, p.entry)
	}
	return r, nil
}

func (w *World) find(sel backend.Selector) (*Process, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.procs {
		if sel.Name != "" {
			if p.entry.Name == sel.Name {
				return p, nil
			}
		} else if p.entry.PID == sel.PID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", sel, backend.ErrNoProcess)
}

func (p *Process) readLocked(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if !p.mem.Contains(addr, uint64(len(buf))) {
		n, _ := p.mem.ReadMemory(buf, addr)
		return n, fmt.Errorf("%#x: %w", addr+uint64(n), backend.ErrUnmapped)
	}
	return p.mem.ReadMemory(buf, addr)
}

// writeLocked applies data only if every byte of the range is mapped and
// writable.
func (p *Process) writeLocked(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if !p.mem.Contains(addr, uint64(len(data))) {
		return 0, fmt.Errorf("%#x: %w", addr, backend.ErrUnmapped)
	}
	end := addr + uint64(len(data))
	var hit []*region
	for _, r := range p.regions {
		rend := r.Addr + uint64(len(r.Data))
		if rend <= addr || r.Addr >= end {
			continue
		}
		if !r.writable {
			return 0, fmt.Errorf("%#x: %w", addr, backend.ErrReadOnly)
		}
		hit = append(hit, r)
	}
	for _, r := range hit {
		lo, hi := addr, end
		if lo < r.Addr {
			lo = r.Addr
		}
		if rend := r.Addr + uint64(len(r.Data)); hi > rend {
			hi = rend
		}
		r.WriteMemory(lo, data[lo-addr:hi-addr])
	}
	return len(data), nil
}

// Poke copies data to addr ignoring region protections. It fails if the
// range is not mapped.
func (p *Process) Poke(addr uint64, data []byte) error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if !p.mem.Contains(addr, uint64(len(data))) {
		return fmt.Errorf("%#x: %w", addr, backend.ErrUnmapped)
	}
	for _, r := range p.regions {
		if addr >= r.Addr && addr+uint64(len(data)) <= r.Addr+uint64(len(r.Data)) {
			r.WriteMemory(addr, data)
			return nil
		}
	}
	return fmt.Errorf("%#x: range spans regions", addr)
}
