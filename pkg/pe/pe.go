// Package pe reads the headers and the export directory of a PE image that
// is mapped in a target address space.
//
// All offsets inside a mapped image are relative virtual addresses (RVAs)
// from the image base, so unlike debug/pe this package never needs the file
// layout or the section table.
//
// The format is described at:
//
//	https://learn.microsoft.com/en-us/windows/win32/debug/pe-format
package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/memspace"
)

const (
	dosSignature = 0x5a4d     // "MZ"
	ntSignature  = 0x00004550 // "PE\x00\x00"

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	// MachineAMD64 and MachineI386 are the values of the Machine field of
	// the file header for the architectures dma targets.
	MachineAMD64 = 0x8664
	MachineI386  = 0x14c

	exportDirSize = 40
	// maxExports bounds the tables read from a (possibly corrupt) image.
	maxExports = 1 << 16
	maxNameLen = 512
)

// ErrNotPE is returned by Open when the memory at base is not a PE image.
type ErrNotPE struct {
	what string
	got  uint32
}

func (err ErrNotPE) Error() string {
	return fmt.Sprintf("not a PE image, invalid %s %#x", err.what, err.got)
}

// Image is a PE image mapped at Base.
type Image struct {
	mem  memspace.MemoryReader
	Base uint64

	Machine     uint16
	Is64        bool
	EntryPoint  uint64
	SizeOfImage uint32

	exportRVA  uint32
	exportSize uint32
}

// Export is an entry of the export directory.
type Export struct {
	Name    string
	Ordinal uint32
	RVA     uint32
	// Forward is set for forwarded exports, for example
	// "NTDLL.RtlAllocateHeap"; RVA then points at this string.
	Forward string
}

// Open parses the headers of the image mapped at base.
func Open(mem memspace.MemoryReader, base uint64) (*Image, error) {
	var dos [64]byte
	if err := memspace.ReadFull(mem, dos[:], base); err != nil {
		return nil, fmt.Errorf("reading DOS header at %#x: %w", base, err)
	}
	if magic := binary.LittleEndian.Uint16(dos[0:]); magic != dosSignature {
		return nil, ErrNotPE{"DOS signature", uint32(magic)}
	}
	lfanew := binary.LittleEndian.Uint32(dos[0x3c:])
	if lfanew == 0 || lfanew > 0x10000 {
		return nil, ErrNotPE{"e_lfanew", lfanew}
	}

	// signature + file header + the largest optional header prefix we need.
	var nt [4 + 20 + 112 + 8]byte
	if err := memspace.ReadFull(mem, nt[:], base+uint64(lfanew)); err != nil {
		return nil, fmt.Errorf("reading NT headers at %#x: %w", base+uint64(lfanew), err)
	}
	if sig := binary.LittleEndian.Uint32(nt[0:]); sig != ntSignature {
		return nil, ErrNotPE{"NT signature", sig}
	}
	img := &Image{mem: mem, Base: base}
	img.Machine = binary.LittleEndian.Uint16(nt[4:])
	opt := nt[24:]

	var dirs []byte
	var ndirs uint32
	switch magic := binary.LittleEndian.Uint16(opt[0:]); magic {
	case magicPE32:
		ndirs = binary.LittleEndian.Uint32(opt[92:])
		dirs = opt[96:]
	case magicPE32Plus:
		img.Is64 = true
		ndirs = binary.LittleEndian.Uint32(opt[108:])
		dirs = opt[112:]
	default:
		return nil, ErrNotPE{"optional header magic", uint32(magic)}
	}
	if ep := binary.LittleEndian.Uint32(opt[16:]); ep != 0 {
		img.EntryPoint = base + uint64(ep)
	}
	img.SizeOfImage = binary.LittleEndian.Uint32(opt[56:])
	if ndirs > 0 && len(dirs) >= 8 {
		img.exportRVA = binary.LittleEndian.Uint32(dirs[0:])
		img.exportSize = binary.LittleEndian.Uint32(dirs[4:])
	}
	return img, nil
}

// exportTable is the export directory and its three arrays, read in bulk.
type exportTable struct {
	blob      []byte // the whole export data directory
	ordBase   uint32
	functions []uint32
	names     []uint32
	ordinals  []uint16
}

func (img *Image) readExports() (*exportTable, error) {
	if img.exportRVA == 0 || img.exportSize < exportDirSize {
		return nil, fmt.Errorf("image at %#x has no export directory: %w", img.Base, backend.ErrNoSymbol)
	}
	blob := make([]byte, img.exportSize)
	if err := memspace.ReadFull(img.mem, blob, img.Base+uint64(img.exportRVA)); err != nil {
		return nil, fmt.Errorf("reading export directory at %#x: %w", img.Base+uint64(img.exportRVA), err)
	}
	dir := blob[:exportDirSize]
	t := &exportTable{blob: blob, ordBase: binary.LittleEndian.Uint32(dir[16:])}
	nfuncs := binary.LittleEndian.Uint32(dir[20:])
	nnames := binary.LittleEndian.Uint32(dir[24:])
	if nfuncs > maxExports || nnames > maxExports {
		return nil, fmt.Errorf("export directory at %#x is corrupt (%d functions, %d names)", img.Base+uint64(img.exportRVA), nfuncs, nnames)
	}

	var err error
	if t.functions, err = img.readU32s(binary.LittleEndian.Uint32(dir[28:]), nfuncs, blob); err != nil {
		return nil, err
	}
	if t.names, err = img.readU32s(binary.LittleEndian.Uint32(dir[32:]), nnames, blob); err != nil {
		return nil, err
	}
	raw, err := img.readRVA(binary.LittleEndian.Uint32(dir[36:]), 2*nnames, blob)
	if err != nil {
		return nil, err
	}
	t.ordinals = make([]uint16, nnames)
	for i := range t.ordinals {
		t.ordinals[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return t, nil
}

// readRVA returns size bytes at rva, served from the export blob when the
// range lies inside it.
func (img *Image) readRVA(rva, size uint32, blob []byte) ([]byte, error) {
	if rva >= img.exportRVA && uint64(rva)+uint64(size) <= uint64(img.exportRVA)+uint64(len(blob)) {
		off := rva - img.exportRVA
		return blob[off : off+size], nil
	}
	buf := make([]byte, size)
	if err := memspace.ReadFull(img.mem, buf, img.Base+uint64(rva)); err != nil {
		return nil, fmt.Errorf("reading export table at %#x: %w", img.Base+uint64(rva), err)
	}
	return buf, nil
}

func (img *Image) readU32s(rva, n uint32, blob []byte) ([]uint32, error) {
	raw, err := img.readRVA(rva, 4*n, blob)
	if err != nil {
		return nil, err
	}
	r := make([]uint32, n)
	for i := range r {
		r[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return r, nil
}

func (img *Image) readCString(rva uint32, blob []byte) (string, error) {
	if rva >= img.exportRVA && rva < img.exportRVA+uint32(len(blob)) {
		s := blob[rva-img.exportRVA:]
		if i := bytes.IndexByte(s, 0); i >= 0 {
			return string(s[:i]), nil
		}
	}
	buf := make([]byte, maxNameLen)
	n, err := img.mem.ReadMemory(buf, img.Base+uint64(rva))
	if n == 0 && err != nil {
		return "", fmt.Errorf("reading export name at %#x: %w", img.Base+uint64(rva), err)
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return "", fmt.Errorf("unterminated export name at %#x", img.Base+uint64(rva))
}

func (img *Image) isForwarder(rva uint32) bool {
	return rva >= img.exportRVA && rva < img.exportRVA+img.exportSize
}

// Exports lists the export directory, sorted by ordinal.
func (img *Image) Exports() ([]Export, error) {
	t, err := img.readExports()
	if err != nil {
		return nil, err
	}
	byIndex := make(map[uint32]string, len(t.names))
	for i, nameRVA := range t.names {
		name, err := img.readCString(nameRVA, t.blob)
		if err != nil {
			return nil, err
		}
		byIndex[uint32(t.ordinals[i])] = name
	}
	r := make([]Export, 0, len(t.functions))
	for i, rva := range t.functions {
		if rva == 0 {
			continue
		}
		e := Export{Name: byIndex[uint32(i)], Ordinal: t.ordBase + uint32(i), RVA: rva}
		if img.isForwarder(rva) {
			if e.Forward, err = img.readCString(rva, t.blob); err != nil {
				return nil, err
			}
		}
		r = append(r, e)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Ordinal < r[j].Ordinal })
	return r, nil
}

// Lookup returns the address of the export named symbol, or of the export
// with ordinal n if symbol is "#n". Forwarded exports are reported as
// *backend.ForwardedExportError; missing symbols wrap backend.ErrNoSymbol.
func (img *Image) Lookup(symbol string) (uint64, error) {
	t, err := img.readExports()
	if err != nil {
		return 0, err
	}

	index := -1
	if strings.HasPrefix(symbol, "#") {
		ord, err := strconv.ParseUint(symbol[1:], 0, 32)
		if err != nil {
			return 0, fmt.Errorf("bad ordinal %q: %w", symbol, backend.ErrNoSymbol)
		}
		if uint32(ord) >= t.ordBase {
			index = int(uint32(ord) - t.ordBase)
		}
	} else {
		// The name pointer table is sorted lexically.
		var lookupErr error
		i := sort.Search(len(t.names), func(i int) bool {
			name, err := img.readCString(t.names[i], t.blob)
			if err != nil {
				lookupErr = err
				return true
			}
			return name >= symbol
		})
		if lookupErr != nil {
			return 0, lookupErr
		}
		if i < len(t.names) {
			if name, _ := img.readCString(t.names[i], t.blob); name == symbol {
				index = int(t.ordinals[i])
			}
		}
	}
	if index < 0 || index >= len(t.functions) || t.functions[index] == 0 {
		return 0, fmt.Errorf("%s: %w", symbol, backend.ErrNoSymbol)
	}

	rva := t.functions[index]
	if img.isForwarder(rva) {
		fwd, err := img.readCString(rva, t.blob)
		if err != nil {
			return 0, err
		}
		return 0, parseForwarder(fwd)
	}
	return img.Base + uint64(rva), nil
}

// parseForwarder splits "NTDLL.RtlAllocateHeap" or "NTDLL.#12"; the
// module part gets the ".dll" extension the loader would add.
func parseForwarder(fwd string) error {
	i := strings.LastIndex(fwd, ".")
	if i <= 0 || i == len(fwd)-1 {
		return fmt.Errorf("malformed forwarder %q: %w", fwd, backend.ErrNoSymbol)
	}
	module := fwd[:i]
	if !strings.Contains(module, ".") {
		module += ".dll"
	}
	return &backend.ForwardedExportError{Module: module, Symbol: fwd[i+1:]}
}
