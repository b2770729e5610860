//go:build linux
// +build linux

package linux

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/memspace"
)

// maxIovecs is the number of segments passed to one process_vm_readv
// call (UIO_MAXIOV).
const maxIovecs = 1024

// sttGNUIFunc is the symbol type of GNU indirect functions (STT_LOOS),
// which debug/elf does not name.
const sttGNUIFunc = elf.STT_LOOS

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO):
		return fmt.Errorf("%w (%v)", backend.ErrUnmapped, err)
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%w (%v)", backend.ErrNoProcess, err)
	}
	return err
}

func (p *process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := p.c.check(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(p.pid), local, remote, 0)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// WriteMemory writes through /proc/<pid>/mem, which unlike
// process_vm_writev can also modify read-only private mappings.
func (p *process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := p.c.check(); err != nil {
		return 0, err
	}
	fd, err := unix.Open(p.c.path(p.pid, "mem"), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("pid %d: %w", p.pid, backend.ErrNoProcess)
		}
		return 0, err
	}
	defer unix.Close(fd)
	n, err := unix.Pwrite(fd, data, int64(addr))
	if err != nil {
		return n, mapErrno(err)
	}
	return n, nil
}

// ExecuteScatter passes the read entries to process_vm_readv in chunks of
// up to maxIovecs segments. The kernel stops at the first segment it can
// not read completely, so the transfer is resumed after that entry, which
// is retried on its own to report its error. Writes are not batched.
func (p *process) ExecuteScatter(entries []*backend.ScatterEntry) error {
	if err := p.c.check(); err != nil {
		return err
	}
	var reads []*backend.ScatterEntry
	for _, e := range entries {
		e.Reset()
		if e.Write {
			n, err := p.WriteMemory(e.Addr, e.Data)
			if err == nil && n != len(e.Data) {
				err = memspace.ErrShortWrite
			}
			e.Err = err
			continue
		}
		if len(e.Data) == 0 {
			continue
		}
		reads = append(reads, e)
	}

	local := make([]unix.Iovec, 0, maxIovecs)
	remote := make([]unix.RemoteIovec, 0, maxIovecs)
	for len(reads) > 0 {
		chunk := reads
		if len(chunk) > maxIovecs {
			chunk = chunk[:maxIovecs]
		}
		local, remote = local[:0], remote[:0]
		for _, e := range chunk {
			v := unix.Iovec{Base: &e.Data[0]}
			v.SetLen(len(e.Data))
			local = append(local, v)
			remote = append(remote, unix.RemoteIovec{Base: uintptr(e.Addr), Len: len(e.Data)})
		}
		n, err := unix.ProcessVMReadv(int(p.pid), local, remote, 0)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				return mapErrno(err)
			}
			n = 0
		}
		done := 0
		for _, e := range chunk {
			if n < len(e.Data) {
				break
			}
			n -= len(e.Data)
			done++
		}
		if done < len(chunk) {
			e := chunk[done]
			e.Err = memspace.ReadFull(p, e.Data, e.Addr)
			done++
		}
		reads = reads[done:]
	}
	return nil
}

func (p *process) ScatterWrites() bool {
	return false
}

// entryPoint returns the entry point of the ELF image mapped at base, or 0
// if the mapping does not start with a 64-bit little-endian ELF header.
// Only the header is read; the section table is usually not mapped.
func (p *process) entryPoint(base uint64) uint64 {
	var hdr [64]byte
	if err := memspace.ReadFull(p, hdr[:], base); err != nil {
		return 0
	}
	if string(hdr[:4]) != elf.ELFMAG || elf.Class(hdr[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(hdr[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return 0
	}
	entry := binary.LittleEndian.Uint64(hdr[24:])
	if elf.Type(binary.LittleEndian.Uint16(hdr[16:])) == elf.ET_DYN {
		return base + entry
	}
	return entry
}

// ResolveExport looks symbol up in the dynamic symbol table of the module
// file on disk and relocates it to the module base.
func (p *process) ResolveExport(module backend.ModuleEntry, symbol string) (uint64, error) {
	if err := p.c.check(); err != nil {
		return 0, err
	}
	f, err := elf.Open(module.Path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w (%v)", module.Name, backend.ErrNoModule, err)
	}
	defer f.Close()
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return 0, err
	}
	for _, s := range syms {
		if s.Name != symbol || !exported(s) {
			continue
		}
		if f.Type == elf.ET_DYN {
			return module.Base + s.Value - loadBias(f), nil
		}
		return s.Value, nil
	}
	return 0, fmt.Errorf("%s!%s: %w", module.Name, symbol, backend.ErrNoSymbol)
}

// exported reports whether s is a function or data object defined by the
// module.
func exported(s elf.Symbol) bool {
	if s.Section == elf.SHN_UNDEF {
		return false
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, sttGNUIFunc:
		return true
	}
	return false
}

// loadBias returns the lowest virtual address of the loadable segments,
// which is mapped at the module base.
func loadBias(f *elf.File) uint64 {
	var low uint64
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < low {
			low, first = prog.Vaddr&^0xfff, false
		}
	}
	return low
}
