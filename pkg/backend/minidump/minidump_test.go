package minidump_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-delve/dma/pkg/backend"
	_ "github.com/go-delve/dma/pkg/backend/minidump"
	"github.com/go-delve/dma/pkg/memspace"
	mdfile "github.com/go-delve/dma/pkg/minidump"
	"github.com/go-delve/dma/pkg/pe"
)

const (
	exeBase = 0x140000000
	k32Base = 0x7ffa12340000
)

func writeDump(t *testing.T, pid uint32) string {
	t.Helper()
	exe := pe.Build(pe.ImageSpec{Name: "target.exe", SizeOfImage: 0x2000, EntryPoint: 0x1000})
	k32 := pe.Build(pe.ImageSpec{
		Name:        "KERNEL32.dll",
		SizeOfImage: 0x2000,
		Exports: []pe.ExportSpec{
			{Name: "CreateFileW", RVA: 0x1100},
			{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
		},
	})
	d := &mdfile.Minidump{
		Arch: mdfile.ArchAMD64,
		Pid:  pid,
		Modules: []mdfile.Module{
			{BaseOfImage: exeBase, SizeOfImage: 0x2000, Name: `C:\Games\target.exe`},
			{BaseOfImage: k32Base, SizeOfImage: 0x2000, Name: `C:\Windows\System32\KERNEL32.DLL`},
		},
		MemoryRanges: []memspace.Region{
			{Addr: exeBase, Data: exe},
			{Addr: k32Base, Data: k32},
		},
	}
	var buf bytes.Buffer
	if err := mdfile.Write(&buf, d); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "target.dmp")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenBarePath(t *testing.T) {
	path := writeDump(t, 4242)
	conn, err := backend.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	procs, err := conn.Processes()
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].PID != 4242 || procs[0].Name != "target.exe" {
		t.Fatalf("processes = %#v", procs)
	}

	p, err := conn.OpenProcess(backend.Selector{Name: "target.exe"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Path() != `C:\Games\target.exe` {
		t.Errorf("Path = %q", p.Path())
	}
	mods, err := p.Modules()
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 2 || mods[1].Name != "KERNEL32.DLL" || mods[0].EntryPoint != exeBase+0x1000 {
		t.Fatalf("modules = %#v", mods)
	}

	addr, err := p.ResolveExport(mods[1], "CreateFileW")
	if err != nil || addr != k32Base+0x1100 {
		t.Errorf("CreateFileW = %#x, %v", addr, err)
	}
	var fwd *backend.ForwardedExportError
	if _, err := p.ResolveExport(mods[1], "HeapAlloc"); !errors.As(err, &fwd) {
		t.Errorf("HeapAlloc: expected forwarder, got %v", err)
	}

	var mz [2]byte
	if err := memspace.ReadFull(p, mz[:], exeBase); err != nil || string(mz[:]) != "MZ" {
		t.Errorf("read %q, %v", mz, err)
	}
	if _, err := p.ReadMemory(mz[:], 0x1000); !errors.Is(err, backend.ErrUnmapped) {
		t.Errorf("expected ErrUnmapped, got %v", err)
	}
	if _, err := p.WriteMemory(exeBase, []byte{0}); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}

	entries := []*backend.ScatterEntry{
		{Addr: exeBase, Data: make([]byte, 2)},
		{Addr: 0x10, Data: make([]byte, 8)},
		{Addr: exeBase, Data: []byte{1}, Write: true},
	}
	if err := p.ExecuteScatter(entries); err != nil {
		t.Fatal(err)
	}
	if entries[0].Err != nil || string(entries[0].Data) != "MZ" {
		t.Errorf("entry 0: %q %v", entries[0].Data, entries[0].Err)
	}
	if !errors.Is(entries[1].Err, backend.ErrUnmapped) {
		t.Errorf("entry 1: %v", entries[1].Err)
	}
	if !errors.Is(entries[2].Err, backend.ErrReadOnly) {
		t.Errorf("entry 2: %v", entries[2].Err)
	}

	if _, err := conn.OpenProcess(backend.Selector{PID: 1}); !errors.Is(err, backend.ErrNoProcess) {
		t.Errorf("expected ErrNoProcess, got %v", err)
	}
}

func TestFallbackPID(t *testing.T) {
	conn, err := backend.Open("minidump://" + writeDump(t, 0))
	if err != nil {
		t.Fatal(err)
	}
	procs, _ := conn.Processes()
	if len(procs) != 1 || procs[0].PID == 0 {
		t.Fatalf("processes = %#v", procs)
	}
	conn.Close()
	if _, err := conn.Processes(); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNotADump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	if err := os.WriteFile(path, []byte("not a dump at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Open("minidump://" + path); !errors.Is(err, backend.ErrUnrecognizedFormat) {
		t.Errorf("expected ErrUnrecognizedFormat, got %v", err)
	}
}
