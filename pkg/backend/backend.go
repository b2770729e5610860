// Package backend defines the contract between the dma core and the
// acquisition backends that perform the actual memory access: a hardware
// DMA channel, a captured memory image or a live operating system
// interface.
//
// Drivers register themselves under a locator scheme with Register; Open
// parses a device locator string and hands it to the matching driver.
package backend

import (
	"errors"
	"fmt"

	"github.com/go-delve/dma/pkg/memspace"
)

var (
	// ErrNoProcess is returned when a selector matches no process.
	ErrNoProcess = errors.New("no such process")

	// ErrNoModule is returned by ResolveExport when the module is not
	// a loaded image.
	ErrNoModule = errors.New("no such module")

	// ErrNoSymbol is returned by ResolveExport when the module does not
	// export the requested symbol.
	ErrNoSymbol = errors.New("no such symbol")

	// ErrUnmapped is returned for accesses to addresses that are not
	// backed by target memory.
	ErrUnmapped = errors.New("address not mapped")

	// ErrReadOnly is returned when writing to memory the backend cannot
	// modify, such as a captured image.
	ErrReadOnly = errors.New("memory is read-only")

	// ErrUnknownScheme is returned by Open when no driver is registered
	// for the locator scheme.
	ErrUnknownScheme = errors.New("unknown locator scheme")

	// ErrUnrecognizedFormat is returned by image drivers when a file is
	// not in their format; Open then tries the next image driver.
	ErrUnrecognizedFormat = errors.New("unrecognized image format")

	// ErrClosed is returned by connections used after Close.
	ErrClosed = errors.New("connection closed")
)

// ForwardedExportError is returned by ResolveExport when the export is a
// forwarder to a symbol in another module ("NTDLL.RtlAllocateHeap").
type ForwardedExportError struct {
	Module string
	Symbol string
}

func (err *ForwardedExportError) Error() string {
	return fmt.Sprintf("export forwarded to %s!%s", err.Module, err.Symbol)
}

// ProcessEntry is one row of a process listing.
type ProcessEntry struct {
	PID  uint32
	PPID uint32
	Name string
}

// ModuleEntry is one load record of a process module list.
type ModuleEntry struct {
	Name       string
	Base       uint64
	Size       uint64
	EntryPoint uint64
	Path       string
}

// Selector picks a process either by name or by PID. When Name is not
// empty the PID is ignored.
type Selector struct {
	PID  uint32
	Name string
}

func (sel Selector) String() string {
	if sel.Name != "" {
		return fmt.Sprintf("name %q", sel.Name)
	}
	return fmt.Sprintf("pid %d", sel.PID)
}

// Driver opens connections for one locator scheme.
type Driver interface {
	Open(loc Locator) (Conn, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(loc Locator) (Conn, error)

// Open calls f(loc).
func (f DriverFunc) Open(loc Locator) (Conn, error) {
	return f(loc)
}

// Conn is an open acquisition channel.
type Conn interface {
	// Processes enumerates the processes visible to the backend.
	Processes() ([]ProcessEntry, error)
	// OpenProcess resolves a selector to a process context. When more
	// than one process matches a name the backend's first match wins.
	OpenProcess(sel Selector) (Process, error)
	// Close releases the channel.
	Close() error
}

// Process is a backend-resolved process context.
type Process interface {
	memspace.MemoryReadWriter

	// Entry returns the current metadata of the process.
	Entry() (ProcessEntry, error)
	// Path returns the executable path, or "" if the backend can not
	// determine it.
	Path() string
	// Modules lists loaded modules in backend order.
	Modules() ([]ModuleEntry, error)
	// ResolveExport returns the address of symbol in the export
	// directory of module.
	ResolveExport(module ModuleEntry, symbol string) (uint64, error)
	// ExecuteScatter performs every entry as a single transaction. Per
	// entry failures are stored in the entry; the returned error reports
	// only a failure of the transaction as a whole.
	ExecuteScatter(entries []*ScatterEntry) error
}

// ScatterWriter is implemented by processes that can tell whether their
// ExecuteScatter applies write entries. Processes that do not implement it
// are assumed to support batched writes.
type ScatterWriter interface {
	ScatterWrites() bool
}

// ScatterEntry is one request of a scatter transaction. For reads Data is
// the destination buffer and its length is the read size; for writes it is
// the payload.
type ScatterEntry struct {
	Addr  uint64
	Data  []byte
	Write bool
	Err   error
}

// Reset clears the result of a previous execution.
func (e *ScatterEntry) Reset() {
	e.Err = nil
}
