package minidump

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

const (
	headerSize     = 32
	dirEntrySize   = 12
	systemInfoSize = 56
	miscInfoSize   = 24
	moduleSize     = 108
)

// Write encodes d as a minidump containing the system info, misc info,
// module list and 64-bit memory list streams. Threads and memory info are
// not written. The contents of d.MemoryRanges are streamed to w after the
// headers, in order.
func Write(w io.Writer, d *Minidump) error {
	const nstreams = 4
	le := binary.LittleEndian

	names := make([][]byte, len(d.Modules))
	for i, m := range d.Modules {
		names[i] = encodeString(m.Name)
	}

	sysOff := uint32(headerSize + nstreams*dirEntrySize)
	miscOff := sysOff + systemInfoSize
	modOff := miscOff + miscInfoSize
	modSize := uint32(4 + moduleSize*len(d.Modules))
	nameOff := modOff + modSize
	off := nameOff
	nameOffs := make([]uint32, len(names))
	for i := range names {
		nameOffs[i] = off
		off += uint32(len(names[i]))
	}
	off = align(off, 8)
	memOff := off
	memSize := uint32(16 + 16*len(d.MemoryRanges))
	dataOff := uint64(memOff) + uint64(memSize)

	buf := make([]byte, memOff+memSize)

	// header
	le.PutUint32(buf[0:], signature)
	le.PutUint16(buf[4:], version)
	le.PutUint32(buf[8:], nstreams)
	le.PutUint32(buf[12:], headerSize)
	le.PutUint32(buf[20:], d.Timestamp)
	le.PutUint64(buf[24:], d.Flags)

	// directory
	dir := buf[headerSize:]
	for i, s := range []struct {
		typ       StreamType
		size, off uint32
	}{
		{SystemInfoStream, systemInfoSize, sysOff},
		{MiscInfoStream, miscInfoSize, miscOff},
		{ModuleListStream, modSize, modOff},
		{Memory64ListStream, memSize, memOff},
	} {
		le.PutUint32(dir[i*dirEntrySize:], uint32(s.typ))
		le.PutUint32(dir[i*dirEntrySize+4:], s.size)
		le.PutUint32(dir[i*dirEntrySize+8:], s.off)
	}

	le.PutUint16(buf[sysOff:], uint16(d.Arch))

	le.PutUint32(buf[miscOff:], miscInfoSize)
	le.PutUint32(buf[miscOff+4:], 1) // MINIDUMP_MISC1_PROCESS_ID
	le.PutUint32(buf[miscOff+8:], d.Pid)

	le.PutUint32(buf[modOff:], uint32(len(d.Modules)))
	for i, m := range d.Modules {
		e := buf[modOff+4+uint32(i)*moduleSize:]
		le.PutUint64(e[0:], m.BaseOfImage)
		le.PutUint32(e[8:], m.SizeOfImage)
		le.PutUint32(e[12:], m.Checksum)
		le.PutUint32(e[16:], m.TimeDateStamp)
		le.PutUint32(e[20:], nameOffs[i])
		copy(buf[nameOffs[i]:], names[i])
	}

	le.PutUint64(buf[memOff:], uint64(len(d.MemoryRanges)))
	le.PutUint64(buf[memOff+8:], dataOff)
	for i, r := range d.MemoryRanges {
		e := buf[memOff+16+uint32(i)*16:]
		le.PutUint64(e[0:], r.Addr)
		le.PutUint64(e[8:], uint64(len(r.Data)))
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing minidump headers: %w", err)
	}
	for _, r := range d.MemoryRanges {
		if _, err := w.Write(r.Data); err != nil {
			return fmt.Errorf("writing memory range %#x: %w", r.Addr, err)
		}
	}
	return nil
}

// encodeString returns s as a NUL-terminated MINIDUMP_STRING; the length
// prefix does not count the terminator.
func encodeString(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, 4+2*len(u)+2)
	binary.LittleEndian.PutUint32(b, uint32(2*len(u)))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[4+2*i:], c)
	}
	return b
}

func align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}
