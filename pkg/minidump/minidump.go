// Package minidump loads Windows minidump files, the most common form of
// captured process memory image. They are written by WinDbg, ProcDump, Task
// Manager and by the dump command of dmactl.
//
// Only the streams describing the address space are interpreted: system
// info, misc info (process id), module list, thread list (stacks only),
// memory lists and the memory info list.
//
// The file format is described on MSDN starting at:
//
//	https://learn.microsoft.com/en-us/windows/win32/api/minidumpapiset/ns-minidumpapiset-minidump_header
//
// which is the structure found at offset 0 on a minidump file.
package minidump

import (
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/go-delve/dma/pkg/memspace"
)

const (
	signature = 0x504d444d // 'MDMP'
	version   = 0xa793
)

// StreamType is the type of the StreamType field of MINIDUMP_DIRECTORY.
type StreamType uint32

const (
	ThreadListStream     StreamType = 3
	ModuleListStream     StreamType = 4
	MemoryListStream     StreamType = 5
	SystemInfoStream     StreamType = 7
	Memory64ListStream   StreamType = 9
	CommentStreamA       StreamType = 10
	CommentStreamW       StreamType = 11
	MiscInfoStream       StreamType = 15
	MemoryInfoListStream StreamType = 16
)

// Arch is the type of the ProcessorArchitecture field of MINIDUMP_SYSTEM_INFO.
type Arch uint16

const (
	ArchX86     Arch = 0
	ArchARM     Arch = 5
	ArchAMD64   Arch = 9
	ArchARM64   Arch = 12
	ArchUnknown Arch = 0xffff
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("Arch(%d)", uint16(a))
}

// MemoryProtection is the type of the Protection field of MINIDUMP_MEMORY_INFO.
type MemoryProtection uint32

const (
	ProtectNoAccess         MemoryProtection = 0x01
	ProtectReadOnly         MemoryProtection = 0x02
	ProtectReadWrite        MemoryProtection = 0x04
	ProtectWriteCopy        MemoryProtection = 0x08
	ProtectExecute          MemoryProtection = 0x10
	ProtectExecuteRead      MemoryProtection = 0x20
	ProtectExecuteReadWrite MemoryProtection = 0x40
	ProtectExecuteWriteCopy MemoryProtection = 0x80
)

// Writable reports whether pages with this protection can be written to.
func (p MemoryProtection) Writable() bool {
	return p&(ProtectReadWrite|ProtectWriteCopy|ProtectExecuteReadWrite|ProtectExecuteWriteCopy) != 0
}

// ErrNotAMinidump is the error returned when the file being loaded is not a
// minidump file.
type ErrNotAMinidump struct {
	what string
	got  uint32
}

func (err ErrNotAMinidump) Error() string {
	return fmt.Sprintf("not a minidump, invalid %s %#x", err.what, err.got)
}

// Minidump is the decoded content of a minidump file.
type Minidump struct {
	Timestamp uint32
	Flags     uint64
	Arch      Arch
	Pid       uint32

	Threads      []Thread
	Modules      []Module
	MemoryRanges []memspace.Region
	MemoryInfo   []MemoryInfo
	Comment      string
}

// Thread is an entry of the ThreadList stream. Register contexts are not
// decoded.
type Thread struct {
	ID  uint32
	TEB uint64
}

// Module is an entry in the ModuleList stream.
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
}

// MemoryInfo is an entry of the MemoryInfoList stream.
type MemoryInfo struct {
	Addr       uint64
	Size       uint64
	State      uint32
	Protection MemoryProtection
	Type       uint32
}

// reader decodes little endian values from a minidump, recording the first
// error and the context it happened in.
type reader struct {
	buf []byte
	off int
	err error
	ctx string
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("minidump truncated at offset %#x while %s", r.off, r.ctx)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) skip(n int) {
	r.bytes(n)
}

// at returns a reader positioned at off in the same file.
func (r *reader) at(off int, ctx string) *reader {
	return &reader{buf: r.buf, off: off, ctx: ctx}
}

// location reads a MINIDUMP_LOCATION_DESCRIPTOR and returns the slice of
// the file it describes.
func (r *reader) location() []byte {
	sz := r.u32()
	off := r.u32()
	if r.err != nil {
		return nil
	}
	end := uint64(off) + uint64(sz)
	if end > uint64(len(r.buf)) {
		r.err = fmt.Errorf("location %#x of size %#x is past the end of file, while %s", off, sz, r.ctx)
		return nil
	}
	return r.buf[off:end]
}

// Open reads the minidump file at path.
func Open(path string, logfn func(fmt string, args ...interface{})) (*Minidump, error) {
	rawbuf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(rawbuf, logfn)
}

// Parse decodes a minidump held in memory. The returned memory ranges alias
// buf.
func Parse(buf []byte, logfn func(fmt string, args ...interface{})) (*Minidump, error) {
	if logfn == nil {
		logfn = func(string, ...interface{}) {}
	}
	r := &reader{buf: buf, ctx: "reading minidump header"}

	if sig := r.u32(); sig != signature {
		if r.err != nil {
			return nil, ErrNotAMinidump{"size", uint32(len(buf))}
		}
		return nil, ErrNotAMinidump{"signature", sig}
	}
	if ver := r.u16(); ver != version {
		return nil, ErrNotAMinidump{"version", uint32(ver)}
	}
	r.u16() // implementation specific version
	nstreams := r.u32()
	dirOff := r.u32()
	r.u32() // checksum, always 0
	mdmp := &Minidump{Arch: ArchUnknown}
	mdmp.Timestamp = r.u32()
	mdmp.Flags = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	logfn("minidump: %d streams at %#x, flags %#x", nstreams, dirOff, mdmp.Flags)

	dir := r.at(int(dirOff), "reading stream directory")
	for i := uint32(0); i < nstreams; i++ {
		typ := StreamType(dir.u32())
		size := dir.u32()
		off := dir.u32()
		if dir.err != nil {
			return nil, dir.err
		}
		logfn("minidump: stream %d type %d at %#x size %#x", i, typ, off, size)
		if uint64(off)+uint64(size) > uint64(len(buf)) {
			return nil, fmt.Errorf("stream %d at %#x of size %#x is past the end of file", i, off, size)
		}
		sr := r.at(int(off), fmt.Sprintf("reading stream %d (type %d)", i, typ))
		switch typ {
		case SystemInfoStream:
			mdmp.Arch = Arch(sr.u16())
		case MiscInfoStream:
			sr.u32() // size of info
			flags := sr.u32()
			pid := sr.u32()
			if flags&1 != 0 {
				mdmp.Pid = pid
			}
		case ThreadListStream:
			mdmp.readThreadList(sr)
		case ModuleListStream:
			mdmp.readModuleList(sr)
		case MemoryListStream:
			mdmp.readMemoryList(sr)
		case Memory64ListStream:
			mdmp.readMemory64List(sr)
		case MemoryInfoListStream:
			mdmp.readMemoryInfoList(sr)
		case CommentStreamA:
			mdmp.Comment = string(buf[off : off+size])
		case CommentStreamW:
			mdmp.Comment = decodeUTF16(buf[off : off+size])
		}
		if sr.err != nil {
			return nil, sr.err
		}
	}
	for _, m := range mdmp.Modules {
		logfn("minidump: module %q base %#x size %#x", m.Name, m.BaseOfImage, m.SizeOfImage)
	}
	logfn("minidump: pid %d arch %s, %d memory ranges", mdmp.Pid, mdmp.Arch, len(mdmp.MemoryRanges))
	return mdmp, nil
}

// decodeUTF16 converts a (possibly NUL-terminated) UTF16LE string to UTF8.
func decodeUTF16(in []byte) string {
	u := make([]uint16, 0, len(in)/2)
	for i := 0; i+1 < len(in); i += 2 {
		u = append(u, binary.LittleEndian.Uint16(in[i:]))
	}
	for len(u) > 0 && u[len(u)-1] == 0 {
		u = u[:len(u)-1]
	}
	return string(utf16.Decode(u))
}

// readString reads a MINIDUMP_STRING at off.
func (r *reader) readString(off uint32) string {
	sr := r.at(int(off), r.ctx)
	n := sr.u32()
	b := sr.bytes(int(n))
	if sr.err != nil {
		r.err = sr.err
		return ""
	}
	return decodeUTF16(b)
}

func (mdmp *Minidump) readThreadList(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var th Thread
		th.ID = r.u32()
		r.skip(12) // suspend count, priority class, priority
		th.TEB = r.u64()
		mdmp.readMemoryDescriptor(r) // stack
		r.location()                 // thread context
		mdmp.Threads = append(mdmp.Threads, th)
	}
}

func (mdmp *Minidump) readModuleList(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var m Module
		m.BaseOfImage = r.u64()
		m.SizeOfImage = r.u32()
		m.Checksum = r.u32()
		m.TimeDateStamp = r.u32()
		nameOff := r.u32()
		r.skip(13 * 4) // VS_FIXEDFILEINFO
		r.location()   // CodeView record
		r.location()   // misc record
		r.skip(16)     // reserved
		if r.err != nil {
			return
		}
		m.Name = r.readString(nameOff)
		mdmp.Modules = append(mdmp.Modules, m)
	}
}

func (mdmp *Minidump) readMemoryDescriptor(r *reader) {
	addr := r.u64()
	data := r.location()
	if r.err == nil {
		mdmp.addMemory(addr, data)
	}
}

func (mdmp *Minidump) readMemoryList(r *reader) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		mdmp.readMemoryDescriptor(r)
	}
}

// readMemory64List reads a MINIDUMP_MEMORY64_LIST: descriptors are followed
// by the contents of every range, back to back, starting at a base offset.
func (mdmp *Minidump) readMemory64List(r *reader) {
	n := r.u64()
	off := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		addr := r.u64()
		sz := r.u64()
		if r.err != nil {
			return
		}
		if off+sz > uint64(len(r.buf)) {
			r.err = fmt.Errorf("memory range %d at %#x of size %#x is past the end of file", i, off, sz)
			return
		}
		mdmp.addMemory(addr, r.buf[off:off+sz])
		off += sz
	}
}

func (mdmp *Minidump) readMemoryInfoList(r *reader) {
	start := r.off
	headerSize := r.u32()
	entrySize := r.u32()
	n := r.u64()
	if r.err != nil {
		return
	}
	r.off = start + int(headerSize)
	for i := uint64(0); i < n && r.err == nil; i++ {
		entryStart := r.off
		var mi MemoryInfo
		mi.Addr = r.u64()
		r.u64() // allocation base
		r.u32() // allocation protection
		r.u32() // alignment
		mi.Size = r.u64()
		mi.State = r.u32()
		mi.Protection = MemoryProtection(r.u32())
		mi.Type = r.u32()
		mdmp.MemoryInfo = append(mdmp.MemoryInfo, mi)
		r.off = entryStart + int(entrySize)
	}
}

func (mdmp *Minidump) addMemory(addr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	mdmp.MemoryRanges = append(mdmp.MemoryRanges, memspace.Region{Addr: addr, Data: data})
}

// Protection returns the protection of the page containing addr, and false
// if the dump has no memory info for it.
func (mdmp *Minidump) Protection(addr uint64) (MemoryProtection, bool) {
	for _, mi := range mdmp.MemoryInfo {
		if addr >= mi.Addr && addr-mi.Addr < mi.Size {
			return mi.Protection, true
		}
	}
	return 0, false
}
