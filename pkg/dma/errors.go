package dma

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by this package matches exactly
// one of them with errors.Is.
var (
	ErrInit        = errors.New("backend initialization failed")
	ErrNotFound    = errors.New("not found")
	ErrMemory      = errors.New("memory access failed")
	ErrEnumeration = errors.New("enumeration failed")
	ErrDecoding    = errors.New("invalid encoded text")

	// ErrLayout is returned by the typed accessors when a struct type
	// contains fields without a fixed binary layout.
	ErrLayout = errors.New("type does not have a fixed layout")
)

// scatterStateError is a misuse of the scatter protocol. It matches
// ErrMemory.
type scatterStateError string

func (e scatterStateError) Error() string { return string(e) }

func (e scatterStateError) Is(target error) bool { return target == ErrMemory }

var (
	// ErrNotPrepared is returned by scatter retrieval for an address that
	// was not prepared with at least the requested length.
	ErrNotPrepared error = scatterStateError("address was not prepared")
	// ErrNotExecuted is returned by scatter retrieval before the entry was
	// executed.
	ErrNotExecuted error = scatterStateError("scatter entry not executed")
)

// InitError is returned by Open when the backend can not be initialized.
type InitError struct {
	Locator string
	Err     error
}

func (err *InitError) Error() string {
	return fmt.Sprintf("opening device %q: %v", err.Locator, err.Err)
}

func (err *InitError) Unwrap() error { return err.Err }

func (err *InitError) Is(target error) bool { return target == ErrInit }

// Kind says what a NotFoundError was looking for.
type Kind uint8

const (
	KindProcess Kind = iota
	KindModule
	KindSymbol
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindModule:
		return "module"
	case KindSymbol:
		return "symbol"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// NotFoundError is returned when a process, module or exported symbol does
// not exist. For symbols Module is the module that was searched.
type NotFoundError struct {
	Kind   Kind
	Name   string
	Module string
	Err    error
}

func (err *NotFoundError) Error() string {
	var s string
	if err.Kind == KindSymbol && err.Module != "" {
		s = fmt.Sprintf("symbol %q not found in module %q", err.Name, err.Module)
	} else {
		s = fmt.Sprintf("%s %q not found", err.Kind, err.Name)
	}
	if err.Err != nil {
		s += ": " + err.Err.Error()
	}
	return s
}

func (err *NotFoundError) Unwrap() error { return err.Err }

func (err *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MemoryError is returned when a read or write of target memory fails.
type MemoryError struct {
	Op   string
	Addr uint64
	Size int
	Err  error
}

func (err *MemoryError) Error() string {
	return fmt.Sprintf("%s of %d bytes at %#x: %v", err.Op, err.Size, err.Addr, err.Err)
}

func (err *MemoryError) Unwrap() error { return err.Err }

func (err *MemoryError) Is(target error) bool { return target == ErrMemory }

// EnumerationError is returned when listing or querying processes or
// modules fails. What names the query.
type EnumerationError struct {
	What string
	Err  error
}

func (err *EnumerationError) Error() string {
	return fmt.Sprintf("%s: %v", err.What, err.Err)
}

func (err *EnumerationError) Unwrap() error { return err.Err }

func (err *EnumerationError) Is(target error) bool { return target == ErrEnumeration }

// DecodingError is returned by the string readers when the bytes read are
// not valid text. Offset is the position of the first invalid byte relative
// to Addr.
type DecodingError struct {
	Addr     uint64
	Offset   int
	Encoding string
}

func (err *DecodingError) Error() string {
	return fmt.Sprintf("invalid %s in string at %#x (offset %d)", err.Encoding, err.Addr, err.Offset)
}

func (err *DecodingError) Is(target error) bool { return target == ErrDecoding }
