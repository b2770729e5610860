// Package memspace provides the building blocks backends use to describe a
// target address space: reader interfaces, region splicing and file-backed
// mappings.
package memspace

import (
	"errors"
	"fmt"
	"io"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the target's memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// ErrShortRead is returned when fewer bytes than requested could be read.
var ErrShortRead = errors.New("short read")

// ErrShortWrite is returned when fewer bytes than requested could be
// written.
var ErrShortWrite = errors.New("short write")

// ReadFull reads exactly len(buf) bytes from mem at addr.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortRead
	}
	return nil
}

// A SplicedMemory represents a memory space formed from multiple regions,
// each of which may override previously added regions. For example a module
// image mapped at 0x140000000 can be added first and then partially
// overwritten by a private RW copy of its data section captured separately.
type SplicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader MemoryReader
}

// Add adds a new region to the SplicedMemory, which may override existing regions.
func (r *SplicedMemory) Add(reader MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements MemoryReader.ReadMemory. A read that starts in a
// mapped region and runs into a hole returns the bytes read so far and an
// error.
func (r *SplicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	started := false
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			if !started {
				break
			}
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
		}

		started = true

		// Don't go past the region.
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("error while reading spliced memory at %#x: %v", addr, err)
		}
		if pn != len(pb) {
			return n, nil
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			// Done, don't bother scanning the rest.
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("address %#x did not match any regions", addr)
	}
	if len(buf) > 0 {
		return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
	}
	return n, nil
}

// Contains reports whether every byte of [addr, addr+size) is backed by a region.
func (r *SplicedMemory) Contains(addr, size uint64) bool {
	for _, entry := range r.readers {
		if size == 0 {
			return true
		}
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			return false
		}
		avail := entry.offset + entry.length - addr
		if avail >= size {
			return true
		}
		addr += avail
		size -= avail
	}
	return size == 0
}

// OffsetReaderAt wraps a ReaderAt into a MemoryReader, subtracting a fixed
// offset from the address. This is useful to represent a mapping in an
// address space. For example, if a module image is mapped in at 0x400000,
// an OffsetReaderAt with offset 0x400000 can be wrapped around
// os.Open(image) to return the results of a read in that part of the
// address space.
type OffsetReaderAt struct {
	Reader io.ReaderAt
	Offset uint64
}

// ReadMemory will read the memory at addr-offset.
func (r *OffsetReaderAt) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	return r.Reader.ReadAt(buf, int64(addr-r.Offset))
}

// Region is a block of captured memory starting at Addr.
type Region struct {
	Addr uint64
	Data []byte
}

// ReadMemory reads len(buf) bytes of memory starting at addr into buf from this memory region.
func (m *Region) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if addr < m.Addr || addr+uint64(len(buf)) > m.Addr+uint64(len(m.Data)) {
		return 0, io.EOF
	}
	copy(buf, m.Data[addr-m.Addr:])
	return len(buf), nil
}

// WriteMemory overwrites the region contents at addr.
func (m *Region) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if addr < m.Addr || addr+uint64(len(data)) > m.Addr+uint64(len(m.Data)) {
		return 0, io.EOF
	}
	return copy(m.Data[addr-m.Addr:], data), nil
}
