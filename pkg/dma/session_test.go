package dma_test

import (
	"errors"
	"testing"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/backend/sim"
	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/pe"
)

const (
	targetPID = 100
	exeBase   = 0x140000000
	k32Base   = 0x7ffa12340000
	ntdllBase = 0x7ffa30000000
	loopBase  = 0x7ffa50000000
	heap      = 0x20000000
	heapSize  = 0x10000
	rodata    = 0x30000000
)

// newWorld returns a world with a process named "target" that has an
// executable, three DLLs, a writable heap and a read-only region.
func newWorld() (*sim.World, *sim.Process) {
	w := sim.NewWorld()
	w.AddProcess(0, 0, "Idle", "")
	w.AddProcess(4, 0, "System", "")
	p := w.AddProcess(targetPID, 4, "target", `C:\target\target.exe`)
	w.AddProcess(200, 4, "target", `C:\other\target.exe`)
	broken := w.AddProcess(300, 4, "broken", "")
	broken.FailEntry(errors.New("access denied"))

	p.AddModule(`C:\target\target.exe`, exeBase, pe.ImageSpec{
		SizeOfImage: 0x2000,
		EntryPoint:  0x1000,
		Exports:     []pe.ExportSpec{{Name: "main", RVA: 0x1000}},
	})
	p.AddModule(`C:\Windows\System32\KERNEL32.DLL`, k32Base, pe.ImageSpec{
		SizeOfImage: 0x2000,
		Exports: []pe.ExportSpec{
			{Name: "CreateFileW", RVA: 0x1100},
			{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
			{Name: "Missing", Forward: "NOWHERE.Function"},
		},
	})
	p.AddModule(`C:\Windows\System32\ntdll.dll`, ntdllBase, pe.ImageSpec{
		SizeOfImage: 0x2000,
		Exports:     []pe.ExportSpec{{Name: "RtlAllocateHeap", RVA: 0x1200}},
	})
	p.AddModule(`C:\loop.dll`, loopBase, pe.ImageSpec{
		SizeOfImage: 0x2000,
		Exports:     []pe.ExportSpec{{Name: "Spin", Forward: "LOOP.Spin"}},
	})
	p.Map(heap, make([]byte, heapSize), true)
	p.Map(rodata, []byte("constant\x00"), false)
	return w, p
}

func openSession(t *testing.T) (*dma.Session, *sim.Conn, *sim.World) {
	t.Helper()
	w, _ := newWorld()
	conn := w.Connect()
	s := dma.NewSession(conn)
	t.Cleanup(func() { s.Close() })
	return s, conn, w
}

func attachTarget(t *testing.T) (*dma.Process, *sim.Conn) {
	t.Helper()
	s, conn, _ := openSession(t)
	p, err := s.AttachByPID(targetPID)
	if err != nil {
		t.Fatal(err)
	}
	return p, conn
}

func TestOpenFails(t *testing.T) {
	for _, locator := range []string{"", "nope://x", "sim://no-such-world", "sim://demo,latency=soon"} {
		_, err := dma.Open(locator)
		if !errors.Is(err, dma.ErrInit) {
			t.Errorf("%q: expected ErrInit, got %v", locator, err)
		}
		var ie *dma.InitError
		if !errors.As(err, &ie) || ie.Locator != locator {
			t.Errorf("%q: expected *InitError, got %#v", locator, err)
		}
	}
	_, err := dma.Open("nope://x")
	if !errors.Is(err, backend.ErrUnknownScheme) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestProcesses(t *testing.T) {
	s, _, _ := openSession(t)
	procs, err := s.Processes()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) == 0 {
		t.Fatal("no processes")
	}
	found := false
	for _, p := range procs {
		switch p.PID {
		case 0:
			t.Errorf("PID 0 listed: %#v", p)
		case 300:
			t.Errorf("process with failing metadata listed: %#v", p)
		case targetPID:
			found = true
			if p.Name != "target" || p.PPID != 4 || p.Path != `C:\target\target.exe` {
				t.Errorf("target = %#v", p)
			}
		}
	}
	if !found || len(procs) != 3 {
		t.Errorf("processes = %#v", procs)
	}
}

func TestProcessesFails(t *testing.T) {
	s, _, w := openSession(t)
	w.FailListing(errors.New("channel lost"))
	_, err := s.Processes()
	var ee *dma.EnumerationError
	if !errors.Is(err, dma.ErrEnumeration) || !errors.As(err, &ee) {
		t.Fatalf("expected EnumerationError, got %v", err)
	}
}

func TestAttachByPID(t *testing.T) {
	p, _ := attachTarget(t)
	info, err := p.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.PID != targetPID || p.PID() != targetPID {
		t.Errorf("info = %#v, PID() = %d", info, p.PID())
	}
}

func TestAttachByName(t *testing.T) {
	s, _, _ := openSession(t)
	// Two processes are called "target"; the backend's first wins.
	p, err := s.AttachByName("target")
	if err != nil {
		t.Fatal(err)
	}
	if p.PID() != targetPID {
		t.Errorf("PID = %d", p.PID())
	}

	for _, attach := range []func() (*dma.Process, error){
		func() (*dma.Process, error) { return s.AttachByName("Target") },
		func() (*dma.Process, error) { return s.AttachByPID(9999) },
		func() (*dma.Process, error) { return s.AttachByPID(0) },
		func() (*dma.Process, error) { return s.Attach("9999") },
	} {
		_, err := attach()
		var nf *dma.NotFoundError
		if !errors.Is(err, dma.ErrNotFound) || !errors.As(err, &nf) || nf.Kind != dma.KindProcess {
			t.Errorf("expected process NotFoundError, got %v", err)
		}
	}
}

func TestAttach(t *testing.T) {
	s, _, _ := openSession(t)
	for _, tc := range []struct {
		target string
		pid    uint32
	}{
		{"100", targetPID},
		{"200", 200},
		{"target", targetPID},
		{"System", 4},
	} {
		p, err := s.Attach(tc.target)
		if err != nil {
			t.Errorf("%s: %v", tc.target, err)
			continue
		}
		if p.PID() != tc.pid {
			t.Errorf("%s: PID = %d, want %d", tc.target, p.PID(), tc.pid)
		}
	}
}

func TestInfoFails(t *testing.T) {
	s, _, _ := openSession(t)
	p, err := s.AttachByPID(300)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Info(); !errors.Is(err, dma.ErrEnumeration) {
		t.Errorf("expected ErrEnumeration, got %v", err)
	}
}

func TestModuleBase(t *testing.T) {
	p, _ := attachTarget(t)
	mods, err := p.Modules()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 4 {
		t.Fatalf("modules = %#v", mods)
	}
	for _, m := range mods {
		base, err := p.ModuleBase(m.Name)
		if err != nil || base != m.Base {
			t.Errorf("ModuleBase(%q) = %#x, %v; want %#x", m.Name, base, err, m.Base)
		}
	}
	if mods[0].EntryPoint != exeBase+0x1000 || mods[1].Path != `C:\Windows\System32\KERNEL32.DLL` {
		t.Errorf("modules = %#v", mods)
	}
	if base, err := p.ModuleBase("kernel32.dll"); err != nil || base != k32Base {
		t.Errorf("case-insensitive lookup = %#x, %v", base, err)
	}
	_, err = p.ModuleBase("user32.dll")
	var nf *dma.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != dma.KindModule || nf.Name != "user32.dll" {
		t.Errorf("expected module NotFoundError, got %v", err)
	}
}

func TestProcAddress(t *testing.T) {
	p, conn := attachTarget(t)
	for _, tc := range []struct {
		module, symbol string
		want           uint64
	}{
		{"target.exe", "main", exeBase + 0x1000},
		{"KERNEL32.DLL", "CreateFileW", k32Base + 0x1100},
		{"kernel32.dll", "HeapAlloc", ntdllBase + 0x1200},
		{"ntdll.dll", "#1", ntdllBase + 0x1200},
	} {
		addr, err := p.ProcAddress(tc.module, tc.symbol)
		if err != nil || addr != tc.want {
			t.Errorf("%s!%s = %#x, %v; want %#x", tc.module, tc.symbol, addr, err, tc.want)
		}
	}

	for _, tc := range []struct {
		module, symbol string
		kind           dma.Kind
	}{
		{"user32.dll", "MessageBoxW", dma.KindModule},
		{"KERNEL32.DLL", "NoSuchFunction", dma.KindSymbol},
		{"KERNEL32.DLL", "Missing", dma.KindModule},
		{"loop.dll", "Spin", dma.KindSymbol},
	} {
		_, err := p.ProcAddress(tc.module, tc.symbol)
		var nf *dma.NotFoundError
		if !errors.As(err, &nf) || nf.Kind != tc.kind {
			t.Errorf("%s!%s: expected %s NotFoundError, got %v", tc.module, tc.symbol, tc.kind, err)
		}
	}

	_, err := p.ProcAddress("KERNEL32.DLL", "NoSuchFunction")
	var nf *dma.NotFoundError
	if errors.As(err, &nf) && nf.Module != "KERNEL32.DLL" {
		t.Errorf("symbol error names module %q", nf.Module)
	}

	// A cached export costs only the module listing.
	conn.ResetCalls()
	if _, err := p.ProcAddress("target.exe", "main"); err != nil {
		t.Fatal(err)
	}
	if conn.Calls() != 1 {
		t.Errorf("cached lookup made %d calls", conn.Calls())
	}
}

func TestExportCacheDisabled(t *testing.T) {
	w, _ := newWorld()
	conn := w.Connect()
	s := dma.NewSession(conn, dma.WithExportCacheSize(0))
	defer s.Close()
	p, err := s.AttachByPID(targetPID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		conn.ResetCalls()
		if _, err := p.ProcAddress("target.exe", "main"); err != nil {
			t.Fatal(err)
		}
		if conn.Calls() != 2 {
			t.Errorf("lookup %d made %d calls", i, conn.Calls())
		}
	}
}

func TestSessionClose(t *testing.T) {
	s, _, _ := openSession(t)
	p, err := s.AttachByPID(targetPID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Processes(); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := dma.Read[uint32](p, heap); !errors.Is(err, dma.ErrMemory) || !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrMemory wrapping ErrClosed, got %v", err)
	}
}

// TestEndToEnd opens a published world by locator and checks the image
// header of the first module.
func TestEndToEnd(t *testing.T) {
	w, _ := newWorld()
	sim.Publish("dma-e2e", w)
	s, err := dma.Open("sim://dma-e2e")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	p, err := s.AttachByName("target")
	if err != nil {
		t.Fatal(err)
	}
	mods, err := p.Modules()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) < 1 {
		t.Fatal("no modules")
	}
	v, err := dma.Read[uint32](p, mods[0].Base)
	if err != nil {
		t.Fatal(err)
	}
	if v&0xffff != 0x5a4d {
		t.Errorf("first module starts with %#x, not MZ", v)
	}
}
