package sim

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/go-delve/dma/pkg/pe"
)

// Addresses of interesting data in the demo world, all in the process
// named DemoTarget.
const (
	DemoTarget     = "target.exe"
	DemoTargetPID  = 4242
	DemoImageBase  = 0x140000000
	DemoHeap       = 0x20000000
	DemoHeapSize   = 0x10000
	DemoName       = DemoHeap         // NUL-terminated UTF-8 string
	DemoWideName   = DemoHeap + 0x100 // NUL-terminated UTF-16LE string
	DemoCounters   = DemoHeap + 0x1000
	DemoNumCounter = 1024 // uint32 values, counter i holds 3*i
)

// demoCode is the function at the entry point of the demo executable.
var demoCode = []byte{
	0x55,                   // push rbp
	0x48, 0x89, 0xe5,       // mov rbp, rsp
	0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
	0x31, 0xc0,             // xor eax, eax
	0x48, 0x83, 0xc4, 0x20, // add rsp, 0x20
	0x5d,                   // pop rbp
	0xc3,                   // ret
}

// Demo returns a small Windows-like world, published as sim://demo.
func Demo() *World {
	w := NewWorld()
	w.AddProcess(4, 0, "System", "")

	explorer := w.AddProcess(1024, 600, "explorer.exe", `C:\Windows\explorer.exe`)
	explorer.AddModule(`C:\Windows\explorer.exe`, 0x7ff700000000, pe.ImageSpec{SizeOfImage: 0x3000, EntryPoint: 0x1000})

	p := w.AddProcess(DemoTargetPID, 1024, DemoTarget, `C:\Games\target.exe`)
	p.AddModule(`C:\Games\target.exe`, DemoImageBase, pe.ImageSpec{
		SizeOfImage: 0x5000,
		EntryPoint:  0x1400,
		Exports:     []pe.ExportSpec{{Name: "main", RVA: 0x1400}},
	})
	p.AddModule(`C:\Windows\System32\ntdll.dll`, 0x7ffa30000000, pe.ImageSpec{
		SizeOfImage: 0x4000,
		Exports: []pe.ExportSpec{
			{Name: "NtReadVirtualMemory", RVA: 0x1100},
			{Name: "RtlAllocateHeap", RVA: 0x1200},
			{Name: "RtlFreeHeap", RVA: 0x1300},
		},
	})
	p.AddModule(`C:\Windows\System32\KERNEL32.DLL`, 0x7ffa12340000, pe.ImageSpec{
		SizeOfImage: 0x4000,
		EntryPoint:  0x1010,
		Exports: []pe.ExportSpec{
			{Name: "CreateFileW", RVA: 0x1100},
			{Name: "GetProcAddress", RVA: 0x1400},
			{Name: "HeapAlloc", Forward: "NTDLL.RtlAllocateHeap"},
			{Name: "ReadFile", RVA: 0x1200},
		},
	})
	p.Poke(DemoImageBase+0x1400, demoCode)

	heap := make([]byte, DemoHeapSize)
	copy(heap[DemoName-DemoHeap:], "Player One\x00")
	for i, c := range utf16.Encode([]rune("Grüße, Welt")) {
		binary.LittleEndian.PutUint16(heap[DemoWideName-DemoHeap+uint64(2*i):], c)
	}
	for i := 0; i < DemoNumCounter; i++ {
		binary.LittleEndian.PutUint32(heap[DemoCounters-DemoHeap+uint64(4*i):], uint32(3*i))
	}
	p.Map(DemoHeap, heap, true)
	return w
}
