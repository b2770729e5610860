// Package dma is a safe access layer over a physical memory acquisition
// backend. A Session owns the backend connection and resolves processes;
// a Process reads and writes the memory of one target process, directly or
// through a Scatter batch that performs many requests in one backend round
// trip.
//
// Backends are selected by the scheme of the device locator passed to
// Open and must be linked in by importing their package, for example
//
//	import _ "github.com/go-delve/dma/pkg/backend/minidump"
package dma

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
)

// DefaultExportCacheSize is the number of resolved exports cached per
// process.
const DefaultExportCacheSize = 512

// ProcessInfo is a snapshot of the metadata of a process.
type ProcessInfo struct {
	PID  uint32
	Name string
	PPID uint32
	Path string
}

// Session is an open connection to an acquisition backend. Processes
// attached through a session must not be used after it is closed.
type Session struct {
	conn            backend.Conn
	exportCacheSize int

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Session.
type Option func(*Session)

// WithExportCacheSize sets the number of resolved exports cached by each
// process; 0 disables the cache.
func WithExportCacheSize(n int) Option {
	return func(s *Session) {
		s.exportCacheSize = n
	}
}

// Open connects to the device described by locator. Errors match ErrInit.
func Open(locator string, opts ...Option) (*Session, error) {
	conn, err := backend.Open(locator)
	if err != nil {
		return nil, &InitError{Locator: locator, Err: err}
	}
	logflags.SessionLogger().Debugf("opened device %s", locator)
	return NewSession(conn, opts...), nil
}

// NewSession wraps an already open backend connection. The session takes
// ownership of conn.
func NewSession(conn backend.Conn, opts ...Option) *Session {
	s := &Session{conn: conn, exportCacheSize: DefaultExportCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the backend connection. Calling Close more than once is
// harmless.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Processes returns a snapshot of the processes visible to the backend, in
// backend order. Processes whose metadata can not be queried, usually
// because they exited during enumeration, are left out. PID 0 is never
// returned.
func (s *Session) Processes() ([]ProcessInfo, error) {
	entries, err := s.conn.Processes()
	if err != nil {
		return nil, &EnumerationError{What: "listing processes", Err: err}
	}
	logger := logflags.SessionLogger()
	r := make([]ProcessInfo, 0, len(entries))
	for _, e := range entries {
		if e.PID == 0 {
			continue
		}
		bp, err := s.conn.OpenProcess(backend.Selector{PID: e.PID})
		if err != nil {
			logger.Debugf("skipping process %d (%s): %v", e.PID, e.Name, err)
			continue
		}
		info, err := processInfo(bp)
		if err != nil {
			logger.Debugf("skipping process %d (%s): %v", e.PID, e.Name, err)
			continue
		}
		r = append(r, info)
	}
	return r, nil
}

func processInfo(bp backend.Process) (ProcessInfo, error) {
	e, err := bp.Entry()
	if err != nil {
		return ProcessInfo{}, err
	}
	return ProcessInfo{PID: e.PID, Name: e.Name, PPID: e.PPID, Path: bp.Path()}, nil
}

// AttachByName attaches to the first process, in backend order, whose name
// is exactly name. Which process is chosen when several share the name is
// up to the backend.
func (s *Session) AttachByName(name string) (*Process, error) {
	return s.attach(backend.Selector{Name: name})
}

// AttachByPID attaches to the process with the given id.
func (s *Session) AttachByPID(pid uint32) (*Process, error) {
	if pid == 0 {
		return nil, &NotFoundError{Kind: KindProcess, Name: "0"}
	}
	return s.attach(backend.Selector{PID: pid})
}

// Attach attaches by PID if target is a decimal number and by name
// otherwise.
func (s *Session) Attach(target string) (*Process, error) {
	if pid, err := strconv.ParseUint(target, 10, 32); err == nil {
		return s.AttachByPID(uint32(pid))
	}
	return s.AttachByName(target)
}

func (s *Session) attach(sel backend.Selector) (*Process, error) {
	name := sel.Name
	if name == "" {
		name = strconv.FormatUint(uint64(sel.PID), 10)
	}
	bp, err := s.conn.OpenProcess(sel)
	if err != nil {
		if errors.Is(err, backend.ErrNoProcess) {
			return nil, &NotFoundError{Kind: KindProcess, Name: name, Err: err}
		}
		return nil, &EnumerationError{What: fmt.Sprintf("resolving process %s", sel), Err: err}
	}
	pid := sel.PID
	if sel.Name != "" {
		e, err := bp.Entry()
		if err != nil {
			return nil, &EnumerationError{What: fmt.Sprintf("resolving process %s", sel), Err: err}
		}
		pid = e.PID
	}
	p := newProcess(s, bp, pid)
	logflags.SessionLogger().Debugf("attached to %s, pid %d", sel, pid)
	return p, nil
}
