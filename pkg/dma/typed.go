package dma

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// Scalar is the set of fixed-size numeric types that can be read and
// written directly.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// FixedLayout marks a struct as plain data that may be copied to and from
// target memory byte for byte. Embed it as the first field:
//
//	type DOSHeader struct {
//		dma.FixedLayout
//		Magic uint16
//		...
//	}
//
// The struct is laid out with Go alignment rules, which on the supported
// little-endian targets match the natural C layout. It may only contain
// numeric fields, arrays and nested structs of those.
type FixedLayout struct{}

func (FixedLayout) fixedLayout() {}

// Fixed is satisfied by the structs embedding FixedLayout.
type Fixed interface {
	fixedLayout()
}

var layoutChecked sync.Map // reflect.Type -> error

// checkLayout verifies, once per type, that t has no fields with
// indirection. Pointer types embedding FixedLayout are rejected here too.
func checkLayout(t reflect.Type) error {
	if v, ok := layoutChecked.Load(t); ok {
		if v == nil {
			return nil
		}
		return v.(error)
	}
	var err error
	if path, ok := plainData(t, t.String()); !ok {
		err = fmt.Errorf("%w: %s (field %s)", ErrLayout, t, path)
	}
	if err == nil {
		layoutChecked.Store(t, nil)
	} else {
		layoutChecked.Store(t, err)
	}
	return err
}

// plainData reports whether t has no indirection. If it does not, path is
// the first offending field.
func plainData(t reflect.Type, path string) (string, bool) {
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return "", true
	case reflect.Array:
		return plainData(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if p, ok := plainData(f.Type, path+"."+f.Name); !ok {
				return p, false
			}
		}
		return "", true
	}
	return path, false
}

func bytesOf[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// Read reads a T at addr.
func Read[T Scalar](p *Process, addr uint64) (T, error) {
	var v T
	err := p.ReadInto(addr, bytesOf(&v))
	return v, err
}

// Write writes v at addr.
func Write[T Scalar](p *Process, addr uint64, v T) error {
	return p.WriteBytes(addr, bytesOf(&v))
}

// ReadStruct reads a T at addr.
func ReadStruct[T Fixed](p *Process, addr uint64) (T, error) {
	var v T
	if err := checkLayout(reflect.TypeOf((*T)(nil)).Elem()); err != nil {
		return v, err
	}
	err := p.ReadInto(addr, bytesOf(&v))
	return v, err
}

// WriteStruct writes v at addr, including any padding between fields.
func WriteStruct[T Fixed](p *Process, addr uint64, v T) error {
	if err := checkLayout(reflect.TypeOf((*T)(nil)).Elem()); err != nil {
		return err
	}
	return p.WriteBytes(addr, bytesOf(&v))
}
