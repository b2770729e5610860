package dma_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/dma"
)

// fillCounters stores n uint32 counters at heap, counter i holding 3*i.
func fillCounters(t *testing.T, p *dma.Process, n int) {
	t.Helper()
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(3*i))
	}
	if err := p.WriteBytes(heap, buf); err != nil {
		t.Fatal(err)
	}
}

func TestScatterRetrieveWithoutIO(t *testing.T) {
	p, conn := attachTarget(t)
	fillCounters(t, p, 16)
	s, err := p.Scatter()
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 16; i++ {
		s.PrepareRead(heap+4*i, 4)
	}
	conn.ResetCalls()
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	if conn.Calls() != 1 {
		t.Fatalf("Execute made %d backend calls", conn.Calls())
	}
	for round := 0; round < 3; round++ {
		for i := uint64(0); i < 16; i++ {
			v, err := dma.ReadAs[uint32](s, heap+4*i)
			if err != nil || v != uint32(3*i) {
				t.Errorf("counter %d = %d, %v", i, v, err)
			}
		}
	}
	if conn.Calls() != 1 {
		t.Errorf("retrieval made %d backend calls", conn.Calls()-1)
	}
}

func TestScatterPartialFailure(t *testing.T) {
	p, _ := attachTarget(t)
	fillCounters(t, p, 999)
	s, _ := p.Scatter()
	const bad = 0x10
	s.PrepareRead(bad, 8)
	for i := uint64(0); i < 999; i++ {
		s.PrepareRead(heap+4*i, 4)
	}
	if err := s.Execute(); err != nil {
		t.Fatalf("one bad entry failed the batch: %v", err)
	}

	failed, ok := 0, 0
	if _, err := s.Read(bad, 8); err != nil {
		failed++
		var me *dma.MemoryError
		if !errors.As(err, &me) || me.Addr != bad || !errors.Is(err, backend.ErrUnmapped) {
			t.Errorf("bad entry error = %v", err)
		}
	}
	for i := uint64(0); i < 999; i++ {
		v, err := dma.ReadAs[uint32](s, heap+4*i)
		switch {
		case err != nil:
			failed++
		case v == uint32(3*i):
			ok++
		}
	}
	if failed != 1 || ok != 999 {
		t.Errorf("failed=%d ok=%d", failed, ok)
	}
	if f := s.Failures(); len(f) != 1 {
		t.Errorf("Failures() = %v", f)
	}
	if st := s.Stats(); st.Executes != 1 || st.Entries != 1000 || st.Failed != 1 || st.RoundTrips != 1 {
		t.Errorf("stats = %#v", st)
	}
}

func TestScatterProtocol(t *testing.T) {
	p, _ := attachTarget(t)
	fillCounters(t, p, 4)
	s, _ := p.Scatter()
	s.PrepareRead(heap, 8)

	_, err := s.Read(heap, 8)
	if !errors.Is(err, dma.ErrNotExecuted) || !errors.Is(err, dma.ErrMemory) {
		t.Errorf("before Execute: %v", err)
	}
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		addr uint64
		n    int
		want error
	}{
		{heap + 4, 4, dma.ErrNotPrepared}, // inside the range, but a different address
		{heap, 16, dma.ErrNotPrepared},    // longer than prepared
		{heap + 0x100, 4, dma.ErrNotPrepared},
	} {
		_, err := s.Read(tc.addr, tc.n)
		if !errors.Is(err, tc.want) || !errors.Is(err, dma.ErrMemory) {
			t.Errorf("Read(%#x, %d): expected %v, got %v", tc.addr, tc.n, tc.want, err)
		}
	}

	// A shorter read is served by the longer entry.
	if v, err := dma.ReadAs[uint32](s, heap); err != nil || v != 0 {
		t.Errorf("ReadAs = %d, %v", v, err)
	}
	b, err := s.Read(heap, 8)
	if err != nil || binary.LittleEndian.Uint32(b[4:]) != 3 {
		t.Errorf("Read = %x, %v", b, err)
	}
	// Results are copies.
	b[0] = 0xff
	if b2, _ := s.Read(heap, 1); b2[0] != 0 {
		t.Errorf("result aliased internal buffer")
	}

	// Entries prepared after Execute wait for the next one.
	s.PrepareRead(heap+8, 4)
	if _, err := s.Read(heap+8, 4); !errors.Is(err, dma.ErrNotExecuted) {
		t.Errorf("late entry: %v", err)
	}
}

func TestScatterBadLength(t *testing.T) {
	p, _ := attachTarget(t)
	s, _ := p.Scatter()
	s.PrepareRead(heap, 0)
	s.PrepareRead(heap+4, -4)
	s.PrepareWrite(heap+8, nil)
	s.PrepareRead(heap+12, 4)
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(heap, 0); !errors.Is(err, dma.ErrMemory) {
		t.Errorf("zero length retrieval: %v", err)
	}
	if n := len(s.Failures()); n != 3 {
		t.Errorf("%d failures, want 3", n)
	}
	if _, err := s.Read(heap+12, 4); err != nil {
		t.Errorf("valid entry: %v", err)
	}
}

func TestScatterDedupe(t *testing.T) {
	p, conn := attachTarget(t)
	fillCounters(t, p, 2)
	s, _ := p.Scatter()
	s.PrepareRead(heap+4, 4)
	s.PrepareRead(heap+4, 4)
	s.PrepareRead(heap+4, 2)
	if s.Len() != 2 {
		t.Errorf("Len = %d", s.Len())
	}
	conn.ResetCalls()
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if v, err := dma.ReadAs[uint32](s, heap+4); err != nil || v != 3 {
			t.Errorf("ReadAs = %d, %v", v, err)
		}
	}
	if conn.Calls() != 1 {
		t.Errorf("calls = %d", conn.Calls())
	}
}

func TestScatterWrites(t *testing.T) {
	for _, batched := range []bool{true, false} {
		p, conn := attachTarget(t)
		conn.SetScatterWrites(batched)
		s, _ := p.Scatter()
		payload := []byte{1, 2, 3, 4}
		s.PrepareWrite(heap+0x100, payload)
		payload[0] = 9 // the batch owns a copy
		s.PrepareWrite(heap+0x200, []byte{5, 6})
		s.PrepareWrite(rodata, []byte("X"))
		s.PrepareRead(heap+0x300, 4)

		conn.ResetCalls()
		if err := s.Execute(); err != nil {
			t.Fatal(err)
		}
		wantCalls := int64(1)
		if !batched {
			wantCalls = 4
		}
		if conn.Calls() != wantCalls {
			t.Errorf("batched=%v: %d calls, want %d", batched, conn.Calls(), wantCalls)
		}
		if st := s.Stats(); st.RoundTrips != int(wantCalls) {
			t.Errorf("batched=%v: RoundTrips = %d", batched, st.RoundTrips)
		}

		if v, err := dma.Read[uint32](p, heap+0x100); err != nil || v != 0x04030201 {
			t.Errorf("batched=%v: first write = %#x, %v", batched, v, err)
		}
		if v, err := dma.Read[uint16](p, heap+0x200); err != nil || v != 0x0605 {
			t.Errorf("batched=%v: second write = %#x, %v", batched, v, err)
		}
		failures := s.Failures()
		if len(failures) != 1 || !errors.Is(failures[0], backend.ErrReadOnly) {
			t.Errorf("batched=%v: failures = %v", batched, failures)
		}
		var me *dma.MemoryError
		if errors.As(failures[0], &me) && (me.Op != "scatter write" || me.Addr != rodata) {
			t.Errorf("batched=%v: failure = %#v", batched, me)
		}
		// Writes are not readable results.
		if _, err := s.Read(heap+0x100, 4); !errors.Is(err, dma.ErrNotPrepared) {
			t.Errorf("batched=%v: read of a write entry: %v", batched, err)
		}
	}
}

func TestScatterReexecute(t *testing.T) {
	p, _ := attachTarget(t)
	s, _ := p.Scatter()
	s.PrepareRead(heap, 4)
	for want := uint32(1); want <= 3; want++ {
		if err := dma.Write(p, heap, want); err != nil {
			t.Fatal(err)
		}
		if err := s.Execute(); err != nil {
			t.Fatal(err)
		}
		if v, err := dma.ReadAs[uint32](s, heap); err != nil || v != want {
			t.Errorf("execute %d: %d, %v", want, v, err)
		}
	}
	if st := s.Stats(); st.Executes != 3 || st.Entries != 3 {
		t.Errorf("stats = %#v", st)
	}
}

func TestScatterClear(t *testing.T) {
	p, _ := attachTarget(t)
	fillCounters(t, p, 8)
	s, _ := p.Scatter()
	s.PrepareRead(heap, 32)
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len after Clear = %d", s.Len())
	}
	if _, err := s.Read(heap, 32); !errors.Is(err, dma.ErrNotPrepared) {
		t.Errorf("after Clear: %v", err)
	}
	if len(s.Failures()) != 0 {
		t.Errorf("failures survived Clear")
	}

	// Reuse with a smaller and then a larger request.
	for _, n := range []int{8, 64} {
		s.Clear()
		s.PrepareRead(heap+4, n)
		if err := s.Execute(); err != nil {
			t.Fatal(err)
		}
		b, err := s.Read(heap+4, n)
		if err != nil {
			t.Fatal(err)
		}
		if binary.LittleEndian.Uint32(b) != 3 {
			t.Errorf("n=%d: first counter = %d", n, binary.LittleEndian.Uint32(b))
		}
	}
}

func TestScatterStruct(t *testing.T) {
	p, _ := attachTarget(t)
	s, _ := p.Scatter()
	s.PrepareRead(exeBase, 64)
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	hdr, err := dma.ReadStructAs[dosHeader](s, exeBase)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Magic != 0x5a4d {
		t.Errorf("magic = %#x", hdr.Magic)
	}
	if _, err := dma.ReadStructAs[withPointer](s, exeBase); !errors.Is(err, dma.ErrLayout) {
		t.Errorf("expected ErrLayout, got %v", err)
	}
}

func TestScatterTransactionFailure(t *testing.T) {
	p, conn := attachTarget(t)
	s, _ := p.Scatter()
	s.PrepareRead(heap, 4)
	conn.Close()
	err := s.Execute()
	if !errors.Is(err, dma.ErrMemory) || !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("expected ErrMemory wrapping ErrClosed, got %v", err)
	}
	if _, err := s.Read(heap, 4); !errors.Is(err, dma.ErrNotExecuted) {
		t.Errorf("after failed Execute: %v", err)
	}
}

// TestScatterThroughput compares n direct reads with one batch of n reads
// against a backend that charges a fixed latency per call.
func TestScatterThroughput(t *testing.T) {
	const (
		n       = 100
		latency = 500 * time.Microsecond
	)
	p, conn := attachTarget(t)
	fillCounters(t, p, n)
	conn.SetLatency(latency)

	conn.ResetCalls()
	start := time.Now()
	for i := uint64(0); i < n; i++ {
		if _, err := dma.Read[uint32](p, heap+4*i); err != nil {
			t.Fatal(err)
		}
	}
	direct := time.Since(start)
	if conn.Calls() != n {
		t.Errorf("direct reads made %d calls", conn.Calls())
	}

	s, _ := p.Scatter()
	for i := uint64(0); i < n; i++ {
		s.PrepareRead(heap+4*i, 4)
	}
	conn.ResetCalls()
	start = time.Now()
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < n; i++ {
		if v, err := dma.ReadAs[uint32](s, heap+4*i); err != nil || v != uint32(3*i) {
			t.Fatalf("counter %d = %d, %v", i, v, err)
		}
	}
	batched := time.Since(start)
	if conn.Calls() != 1 {
		t.Errorf("batch made %d calls", conn.Calls())
	}
	if direct < n*latency {
		t.Errorf("direct reads took %v, less than %d round trips", direct, n)
	}
	if batched*10 > direct {
		t.Errorf("batch took %v, direct reads %v", batched, direct)
	}
	t.Logf("%d reads: direct %v, batched %v", n, direct, batched)
}

func TestScatterMixedLengthsAtOneAddress(t *testing.T) {
	p, _ := attachTarget(t)
	const addr = heap + heapSize - 4
	if err := dma.Write[uint32](p, addr, 0xcafe); err != nil {
		t.Fatal(err)
	}
	s, _ := p.Scatter()
	s.PrepareRead(addr, 8) // crosses the end of the mapping
	s.PrepareRead(addr, 4)
	if err := s.Execute(); err != nil {
		t.Fatal(err)
	}

	if v, err := dma.ReadAs[uint32](s, addr); err != nil || v != 0xcafe {
		t.Errorf("4 byte read = %#x, %v", v, err)
	}
	if b, err := s.Read(addr, 2); err != nil || len(b) != 2 || b[0] != 0xfe {
		t.Errorf("2 byte read = %x, %v", b, err)
	}
	_, err := dma.ReadAs[uint64](s, addr)
	var me *dma.MemoryError
	if !errors.As(err, &me) || me.Size != 8 || !errors.Is(err, backend.ErrUnmapped) {
		t.Errorf("8 byte read error = %v", err)
	}
	if f := s.Failures(); len(f) != 1 {
		t.Errorf("Failures() = %v", f)
	}
}
