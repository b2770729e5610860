package sim

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/pe"
)

// Scheme is the locator scheme of published worlds.
const Scheme = "sim"

// ErrNoWorld is returned when a sim:// locator names an unpublished world.
var ErrNoWorld = errors.New("no such simulated world")

var (
	worldsMu sync.Mutex
	worlds   = map[string]*World{}
)

func init() {
	Publish("demo", Demo())
	backend.Register(Scheme, backend.DriverFunc(openWorld), false)
	backend.Register(SnapshotScheme, backend.DriverFunc(openSnapshot), true)
}

// Publish makes w reachable through the locator sim://name, replacing any
// world previously published under that name.
func Publish(name string, w *World) {
	worldsMu.Lock()
	worlds[name] = w
	worldsMu.Unlock()
}

func openWorld(loc backend.Locator) (backend.Conn, error) {
	worldsMu.Lock()
	w, ok := worlds[loc.Target]
	worldsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", loc.Target, ErrNoWorld)
	}
	c, err := connect(w, loc)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// connect applies the locator parameters to a new connection to w.
func connect(w *World, loc backend.Locator) (*Conn, error) {
	c := w.Connect()
	if v, ok := loc.Params["latency"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("bad latency %q: %v", v, err)
		}
		c.latency = d
	}
	if v, ok := loc.Params["scatterwrites"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("bad scatterwrites %q: %v", v, err)
		}
		c.scatterWrites = b
	}
	logflags.BackendLogger().WithField("kind", "sim").Debugf("connected to world %q, latency %v", loc.Target, c.latency)
	return c, nil
}

// Conn is a connection to a World. Every backend call made through it,
// including a whole scatter transaction, counts as one round trip and
// sleeps for the connection latency.
type Conn struct {
	w             *World
	latency       time.Duration
	scatterWrites bool
	calls         int64
	closed        int32
}

// Connect returns a connection to w using the world latency.
func (w *World) Connect() *Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &Conn{w: w, latency: w.latency, scatterWrites: true}
}

// SetLatency changes the per-call latency of c.
func (c *Conn) SetLatency(d time.Duration) {
	c.latency = d
}

// SetScatterWrites sets whether processes opened through c accept write
// entries in ExecuteScatter.
func (c *Conn) SetScatterWrites(ok bool) {
	c.scatterWrites = ok
}

// Calls returns the number of round trips made through c.
func (c *Conn) Calls() int64 {
	return atomic.LoadInt64(&c.calls)
}

// ResetCalls zeroes the round trip counter.
func (c *Conn) ResetCalls() {
	atomic.StoreInt64(&c.calls, 0)
}

func (c *Conn) roundTrip() error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return backend.ErrClosed
	}
	atomic.AddInt64(&c.calls, 1)
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	return nil
}

func (c *Conn) Processes() ([]backend.ProcessEntry, error) {
	if err := c.roundTrip(); err != nil {
		return nil, err
	}
	return c.w.processes()
}

func (c *Conn) OpenProcess(sel backend.Selector) (backend.Process, error) {
	if err := c.roundTrip(); err != nil {
		return nil, err
	}
	p, err := c.w.find(sel)
	if err != nil {
		return nil, err
	}
	return &procConn{c: c, p: p}, nil
}

func (c *Conn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

// procConn is a Process seen through one connection.
type procConn struct {
	c *Conn
	p *Process
}

func (pc *procConn) lock() func() {
	pc.p.w.mu.Lock()
	return pc.p.w.mu.Unlock
}

func (pc *procConn) Entry() (backend.ProcessEntry, error) {
	if err := pc.c.roundTrip(); err != nil {
		return backend.ProcessEntry{}, err
	}
	defer pc.lock()()
	if pc.p.entryErr != nil {
		return backend.ProcessEntry{}, pc.p.entryErr
	}
	return pc.p.entry, nil
}

func (pc *procConn) Path() string {
	if pc.c.roundTrip() != nil {
		return ""
	}
	return pc.p.path
}

func (pc *procConn) Modules() ([]backend.ModuleEntry, error) {
	if err := pc.c.roundTrip(); err != nil {
		return nil, err
	}
	defer pc.lock()()
	if pc.p.modErr != nil {
		return nil, pc.p.modErr
	}
	r := make([]backend.ModuleEntry, len(pc.p.modules))
	copy(r, pc.p.modules)
	return r, nil
}

func (pc *procConn) ResolveExport(module backend.ModuleEntry, symbol string) (uint64, error) {
	if err := pc.c.roundTrip(); err != nil {
		return 0, err
	}
	defer pc.lock()()
	found := false
	for _, m := range pc.p.modules {
		if m.Base == module.Base {
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("%s at %#x: %w", module.Name, module.Base, backend.ErrNoModule)
	}
	img, err := pe.Open(lockedReader{pc.p}, module.Base)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", module.Name, err, backend.ErrNoModule)
	}
	return img.Lookup(symbol)
}

// lockedReader reads process memory while the world lock is already held.
type lockedReader struct{ p *Process }

func (r lockedReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	return r.p.readLocked(buf, addr)
}

func (pc *procConn) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := pc.c.roundTrip(); err != nil {
		return 0, err
	}
	defer pc.lock()()
	return pc.p.readLocked(buf, addr)
}

func (pc *procConn) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := pc.c.roundTrip(); err != nil {
		return 0, err
	}
	defer pc.lock()()
	return pc.p.writeLocked(addr, data)
}

var errNoBatchedWrites = errors.New("connection does not batch writes")

func (pc *procConn) ExecuteScatter(entries []*backend.ScatterEntry) error {
	if err := pc.c.roundTrip(); err != nil {
		return err
	}
	defer pc.lock()()
	for _, e := range entries {
		e.Reset()
		switch {
		case e.Write && !pc.c.scatterWrites:
			e.Err = errNoBatchedWrites
		case e.Write:
			_, e.Err = pc.p.writeLocked(e.Addr, e.Data)
		default:
			_, e.Err = pc.p.readLocked(e.Data, e.Addr)
		}
	}
	return nil
}

func (pc *procConn) ScatterWrites() bool {
	return pc.c.scatterWrites
}
