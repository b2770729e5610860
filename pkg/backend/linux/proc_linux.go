//go:build linux
// +build linux

package linux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
)

// Scheme is the locator scheme of the live Linux backend.
const Scheme = "linux"

func init() {
	backend.Register(Scheme, backend.DriverFunc(Open), false)
}

// Open returns a connection to the local system. It fails if /proc is not
// mounted.
func Open(loc backend.Locator) (backend.Conn, error) {
	root := loc.Param("proc", "/proc")
	if _, err := os.Stat(filepath.Join(root, "self")); err != nil {
		return nil, fmt.Errorf("procfs not available at %s: %v", root, err)
	}
	logflags.BackendLogger().WithField("kind", "linux").Debugf("using procfs at %s", root)
	return &conn{root: root}, nil
}

type conn struct {
	root   string
	closed int32
}

func (c *conn) check() error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return backend.ErrClosed
	}
	return nil
}

func (c *conn) path(pid uint32, name string) string {
	return filepath.Join(c.root, strconv.FormatUint(uint64(pid), 10), name)
}

func (c *conn) Processes() ([]backend.ProcessEntry, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	dir, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	var r []backend.ProcessEntry
	for _, d := range dir {
		pid, err := strconv.ParseUint(d.Name(), 10, 32)
		if err != nil || !d.IsDir() {
			continue
		}
		e, err := c.entry(uint32(pid))
		if err != nil {
			// exited while we were looking
			continue
		}
		r = append(r, e)
	}
	return r, nil
}

// entry reads the name and parent of pid from /proc/<pid>/stat. The name
// is the command name, truncated by the kernel to 15 bytes.
func (c *conn) entry(pid uint32) (backend.ProcessEntry, error) {
	stat, err := os.ReadFile(c.path(pid, "stat"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backend.ProcessEntry{}, fmt.Errorf("pid %d: %w", pid, backend.ErrNoProcess)
		}
		return backend.ProcessEntry{}, err
	}
	return parseStat(pid, stat)
}

// parseStat parses "pid (comm) state ppid ...". The command name may
// contain spaces and parentheses, so it extends to the last ')'.
func parseStat(pid uint32, stat []byte) (backend.ProcessEntry, error) {
	open := bytes.IndexByte(stat, '(')
	end := bytes.LastIndexByte(stat, ')')
	if open < 0 || end < open {
		return backend.ProcessEntry{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[end+1:]))
	if len(fields) < 2 {
		return backend.ProcessEntry{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return backend.ProcessEntry{}, fmt.Errorf("malformed stat for pid %d: %v", pid, err)
	}
	return backend.ProcessEntry{PID: pid, PPID: uint32(ppid), Name: string(stat[open+1 : end])}, nil
}

func (c *conn) OpenProcess(sel backend.Selector) (backend.Process, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if sel.Name == "" {
		if _, err := c.entry(sel.PID); err != nil {
			return nil, err
		}
		return &process{c: c, pid: sel.PID}, nil
	}
	procs, err := c.Processes()
	if err != nil {
		return nil, err
	}
	for _, e := range procs {
		if e.Name == sel.Name {
			return &process{c: c, pid: e.PID}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", sel, backend.ErrNoProcess)
}

func (c *conn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

type process struct {
	c   *conn
	pid uint32
}

func (p *process) Entry() (backend.ProcessEntry, error) {
	if err := p.c.check(); err != nil {
		return backend.ProcessEntry{}, err
	}
	return p.c.entry(p.pid)
}

func (p *process) Path() string {
	path, err := os.Readlink(p.c.path(p.pid, "exe"))
	if err != nil {
		return ""
	}
	return path
}

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	start, end uint64
	perms      string
	offset     uint64
	path       string
}

func parseMaps(data []byte) []mapping {
	var r []mapping
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrs[0], 16, 64)
		end, err2 := strconv.ParseUint(addrs[1], 16, 64)
		offset, err3 := strconv.ParseUint(fields[2], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		m := mapping{start: start, end: end, perms: fields[1], offset: offset}
		if len(fields) >= 6 {
			m.path = strings.Join(fields[5:], " ")
		}
		r = append(r, m)
	}
	return r
}

// Modules groups the file backed mappings by path, in address order. The
// base of a module is its lowest mapping.
func (p *process) Modules() ([]backend.ModuleEntry, error) {
	if err := p.c.check(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.c.path(p.pid, "maps"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", p.pid, backend.ErrNoProcess)
		}
		return nil, err
	}
	var r []backend.ModuleEntry
	index := map[string]int{}
	for _, m := range parseMaps(data) {
		if !strings.HasPrefix(m.path, "/") {
			continue
		}
		if i, ok := index[m.path]; ok {
			if end := m.end; end > r[i].Base+r[i].Size {
				r[i].Size = end - r[i].Base
			}
			continue
		}
		index[m.path] = len(r)
		r = append(r, backend.ModuleEntry{
			Name: filepath.Base(m.path),
			Base: m.start,
			Size: m.end - m.start,
			Path: m.path,
		})
	}
	for i := range r {
		r[i].EntryPoint = p.entryPoint(r[i].Base)
	}
	return r, nil
}
