package pe_test

import (
	"errors"
	"testing"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/memspace"
	"github.com/go-delve/dma/pkg/pe"
)

const base = 0x7ffa12340000

func kernel32() *memspace.Region {
	return &memspace.Region{Addr: base, Data: pe.Build(pe.ImageSpec{
		Name:        "KERNEL32.dll",
		SizeOfImage: 0x4000,
		EntryPoint:  0x1010,
		Exports: []pe.ExportSpec{
			{Name: "ReadFile", RVA: 0x1200},
			{Name: "CreateFileW", RVA: 0x1100},
			{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
			{Name: "WriteFile", RVA: 0x1300},
		},
	})}
}

func TestOpen(t *testing.T) {
	img, err := pe.Open(kernel32(), base)
	if err != nil {
		t.Fatal(err)
	}
	if !img.Is64 || img.Machine != pe.MachineAMD64 {
		t.Errorf("Is64=%v Machine=%#x", img.Is64, img.Machine)
	}
	if img.EntryPoint != base+0x1010 {
		t.Errorf("EntryPoint = %#x", img.EntryPoint)
	}
	if img.SizeOfImage != 0x4000 {
		t.Errorf("SizeOfImage = %#x", img.SizeOfImage)
	}
}

func TestOpenNotPE(t *testing.T) {
	mem := &memspace.Region{Addr: 0x1000, Data: make([]byte, 0x1000)}
	_, err := pe.Open(mem, 0x1000)
	var notPE pe.ErrNotPE
	if !errors.As(err, &notPE) {
		t.Fatalf("expected ErrNotPE, got %v", err)
	}
	if _, err := pe.Open(mem, 0x5000); err == nil {
		t.Fatalf("expected error for unmapped base")
	}
}

func TestLookup(t *testing.T) {
	img, err := pe.Open(kernel32(), base)
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		symbol string
		want   uint64
	}{
		{"CreateFileW", base + 0x1100},
		{"ReadFile", base + 0x1200},
		{"WriteFile", base + 0x1300},
		// ordinals follow the sorted name order, starting at 1
		{"#1", base + 0x1100},
		{"#3", base + 0x1200},
	} {
		got, err := img.Lookup(tc.symbol)
		if err != nil {
			t.Errorf("Lookup(%q): %v", tc.symbol, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Lookup(%q) = %#x, want %#x", tc.symbol, got, tc.want)
		}
	}

	for _, missing := range []string{"GetProcAddress", "#0", "#99", "#x", "A", "Zzz"} {
		if _, err := img.Lookup(missing); !errors.Is(err, backend.ErrNoSymbol) {
			t.Errorf("Lookup(%q): expected ErrNoSymbol, got %v", missing, err)
		}
	}

	_, err = img.Lookup("HeapAlloc")
	var fwd *backend.ForwardedExportError
	if !errors.As(err, &fwd) {
		t.Fatalf("expected forwarded export, got %v", err)
	}
	if fwd.Module != "NTDLL.dll" || fwd.Symbol != "RtlAllocateHeap" {
		t.Errorf("forwarder = %s!%s", fwd.Module, fwd.Symbol)
	}
}

func TestExports(t *testing.T) {
	img, err := pe.Open(kernel32(), base)
	if err != nil {
		t.Fatal(err)
	}
	exports, err := img.Exports()
	if err != nil {
		t.Fatal(err)
	}
	want := []pe.Export{
		{Name: "CreateFileW", Ordinal: 1, RVA: 0x1100},
		{Name: "HeapAlloc", Ordinal: 2, Forward: "NTDLL.RtlAllocateHeap"},
		{Name: "ReadFile", Ordinal: 3, RVA: 0x1200},
		{Name: "WriteFile", Ordinal: 4, RVA: 0x1300},
	}
	if len(exports) != len(want) {
		t.Fatalf("got %d exports: %#v", len(exports), exports)
	}
	for i := range want {
		got := exports[i]
		if got.Name != want[i].Name || got.Ordinal != want[i].Ordinal || got.Forward != want[i].Forward {
			t.Errorf("export %d = %#v, want %#v", i, got, want[i])
		}
		if want[i].Forward == "" && got.RVA != want[i].RVA {
			t.Errorf("export %d RVA = %#x, want %#x", i, got.RVA, want[i].RVA)
		}
	}
}

func TestNoExportDirectory(t *testing.T) {
	data := pe.Build(pe.ImageSpec{Name: "empty.exe", SizeOfImage: 0x1000})
	img, err := pe.Open(&memspace.Region{Addr: 0x400000, Data: data}, 0x400000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Lookup("main"); !errors.Is(err, backend.ErrNoSymbol) {
		t.Fatalf("expected ErrNoSymbol, got %v", err)
	}
}
