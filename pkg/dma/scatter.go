package dma

import (
	"errors"
	"reflect"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/logflags"
	"github.com/go-delve/dma/pkg/memspace"
)

var errBadLength = errors.New("length must be positive")

// Scatter collects memory requests against one process and performs them
// in a single backend transaction.
//
// Use it in three phases: prepare requests with PrepareRead and
// PrepareWrite, run them with Execute, then fetch results with Read,
// ReadAs and ReadStructAs. Clear empties the batch for reuse and keeps its
// buffers. A Scatter must not be used from more than one goroutine at a
// time.
type Scatter struct {
	p       *Process
	entries []*scatterEntry
	byAddr  map[uint64][]*scatterEntry
	free    []*scatterEntry
	batch   []*backend.ScatterEntry
	stats   ScatterStats
}

type scatterEntry struct {
	be       backend.ScatterEntry
	n        int
	invalid  error
	executed bool
}

// ScatterStats counts the work done by a Scatter over its lifetime.
type ScatterStats struct {
	Executes   int // successful calls to Execute
	Entries    int // entries executed, after deduplication
	Failed     int // entries whose execution failed
	RoundTrips int // backend transactions and individual writes
}

func newScatter(p *Process) *Scatter {
	return &Scatter{p: p, byAddr: map[uint64][]*scatterEntry{}}
}

func (s *Scatter) newEntry(addr uint64, n int, write bool) *scatterEntry {
	var e *scatterEntry
	if k := len(s.free); k > 0 {
		e = s.free[k-1]
		s.free = s.free[:k-1]
	} else {
		e = &scatterEntry{}
	}
	e.be.Addr, e.be.Write, e.be.Err = addr, write, nil
	e.n, e.invalid, e.executed = n, nil, false
	if n <= 0 {
		e.invalid = errBadLength
		e.be.Data = e.be.Data[:0]
	} else if cap(e.be.Data) >= n {
		e.be.Data = e.be.Data[:n]
	} else {
		e.be.Data = make([]byte, n)
	}
	s.entries = append(s.entries, e)
	s.byAddr[addr] = append(s.byAddr[addr], e)
	return e
}

// PrepareRead adds a read of n bytes at addr. Preparing the same read
// twice adds a single entry.
func (s *Scatter) PrepareRead(addr uint64, n int) {
	for _, e := range s.byAddr[addr] {
		if !e.be.Write && e.n == n {
			return
		}
	}
	s.newEntry(addr, n, false)
}

// PrepareWrite adds a write of data at addr. The data is copied.
func (s *Scatter) PrepareWrite(addr uint64, data []byte) {
	e := s.newEntry(addr, len(data), true)
	copy(e.be.Data, data)
}

// Len returns the number of entries in the batch.
func (s *Scatter) Len() int {
	return len(s.entries)
}

// Execute performs every entry of the batch, including entries already
// executed by a previous call. Failures of single entries are recorded
// and reported by retrieval and Failures; Execute itself only fails if
// the backend rejected the transaction as a whole, in which case no entry
// counts as executed.
//
// Write entries are part of the transaction unless the backend reports,
// through backend.ScatterWriter, that it can not batch them. They are
// then written one at a time after the transaction.
func (s *Scatter) Execute() error {
	batchWrites := true
	if sw, ok := s.p.bp.(backend.ScatterWriter); ok {
		batchWrites = sw.ScatterWrites()
	}
	s.batch = s.batch[:0]
	var serial []*scatterEntry
	size := 0
	for _, e := range s.entries {
		e.executed = false
		e.be.Err = nil
		if e.invalid != nil {
			continue
		}
		if e.be.Write && !batchWrites {
			serial = append(serial, e)
			continue
		}
		s.batch = append(s.batch, &e.be)
		size += len(e.be.Data)
	}

	logger := logflags.ScatterLogger()
	if len(s.batch) > 0 {
		if err := s.p.bp.ExecuteScatter(s.batch); err != nil {
			return &MemoryError{Op: "scatter", Addr: s.batch[0].Addr, Size: size, Err: err}
		}
		s.stats.RoundTrips++
	}
	for _, e := range serial {
		n, err := s.p.bp.WriteMemory(e.be.Addr, e.be.Data)
		if err == nil && n != len(e.be.Data) {
			err = memspace.ErrShortWrite
		}
		e.be.Err = err
		s.stats.RoundTrips++
	}

	failed := 0
	for _, e := range s.entries {
		e.executed = true
		if e.invalid != nil || e.be.Err != nil {
			failed++
		}
	}
	s.stats.Executes++
	s.stats.Entries += len(s.entries)
	s.stats.Failed += failed
	logger.WithField("pid", s.p.pid).Debugf("executed %d entries (%d batched, %d serial writes), %d failed", len(s.entries), len(s.batch), len(serial), failed)
	return nil
}

func (e *scatterEntry) err() error {
	op := "scatter read"
	if e.be.Write {
		op = "scatter write"
	}
	switch {
	case e.invalid != nil:
		return &MemoryError{Op: op, Addr: e.be.Addr, Size: e.n, Err: e.invalid}
	case e.be.Err != nil:
		return &MemoryError{Op: op, Addr: e.be.Addr, Size: e.n, Err: e.be.Err}
	}
	return nil
}

// lookup returns the data of the first successful read entry at addr able
// to serve n bytes. If every such entry failed, the error of the first one
// is returned.
func (s *Scatter) lookup(addr uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, &MemoryError{Op: "scatter read", Addr: addr, Size: n, Err: errBadLength}
	}
	prepared := false
	var firstErr error
	for _, e := range s.byAddr[addr] {
		if e.be.Write || e.n < n {
			continue
		}
		prepared = true
		if !e.executed {
			continue
		}
		if err := e.err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return e.be.Data[:n], nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if prepared {
		return nil, &MemoryError{Op: "scatter read", Addr: addr, Size: n, Err: ErrNotExecuted}
	}
	return nil, &MemoryError{Op: "scatter read", Addr: addr, Size: n, Err: ErrNotPrepared}
}

// Read returns a copy of the first n bytes read at addr by the last
// Execute. It does not access the target.
func (s *Scatter) Read(addr uint64, n int) ([]byte, error) {
	b, err := s.lookup(addr, n)
	if err != nil {
		return nil, err
	}
	r := make([]byte, n)
	copy(r, b)
	return r, nil
}

// ReadAs returns the T read at addr by the last Execute.
func ReadAs[T Scalar](s *Scatter, addr uint64) (T, error) {
	var v T
	dst := bytesOf(&v)
	b, err := s.lookup(addr, len(dst))
	if err != nil {
		return v, err
	}
	copy(dst, b)
	return v, nil
}

// ReadStructAs returns the T read at addr by the last Execute.
func ReadStructAs[T Fixed](s *Scatter, addr uint64) (T, error) {
	var v T
	if err := checkLayout(reflect.TypeOf((*T)(nil)).Elem()); err != nil {
		return v, err
	}
	dst := bytesOf(&v)
	b, err := s.lookup(addr, len(dst))
	if err != nil {
		return v, err
	}
	copy(dst, b)
	return v, nil
}

// Failures returns the errors of the entries that failed in the last
// Execute, in prepare order.
func (s *Scatter) Failures() []error {
	var r []error
	for _, e := range s.entries {
		if !e.executed {
			continue
		}
		if err := e.err(); err != nil {
			r = append(r, err)
		}
	}
	return r
}

// Stats returns the counters of s.
func (s *Scatter) Stats() ScatterStats {
	return s.stats
}

// Clear removes every entry. Buffers are kept and reused by later
// prepares.
func (s *Scatter) Clear() {
	s.free = append(s.free, s.entries...)
	for i := range s.entries {
		s.entries[i] = nil
	}
	s.entries = s.entries[:0]
	clear(s.byAddr)
	s.batch = s.batch[:0]
}
