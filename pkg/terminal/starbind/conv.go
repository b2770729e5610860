package starbind

import (
	"fmt"
	"reflect"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlarkValue converts the values returned by the dma API (integers,
// strings, byte slices, structs and slices of them) into starlark values.
func toStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case uint8:
		return starlark.MakeUint64(uint64(v))
	case uint16:
		return starlark.MakeUint64(uint64(v))
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case uint:
		return starlark.MakeUint64(uint64(v))
	case int8:
		return starlark.MakeInt64(int64(v))
	case int16:
		return starlark.MakeInt64(int64(v))
	case int32:
		return starlark.MakeInt64(int64(v))
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt(v)
	case float32:
		return starlark.Float(v)
	case float64:
		return starlark.Float(v)
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case []byte:
		return starlark.Bytes(v)
	case starlark.Value:
		return v
	case nil:
		return starlark.None
	case error:
		return starlark.String(v.Error())
	}
	vval := reflect.ValueOf(v)
	switch vval.Kind() {
	case reflect.Ptr:
		if vval.IsNil() {
			return starlark.None
		}
		if vval.Elem().Kind() == reflect.Struct {
			return structAsStarlarkValue{vval.Elem()}
		}
	case reflect.Struct:
		return structAsStarlarkValue{vval}
	case reflect.Slice, reflect.Array:
		elems := make([]starlark.Value, vval.Len())
		for i := range elems {
			elems[i] = toStarlarkValue(vval.Index(i).Interface())
		}
		return starlark.NewList(elems)
	}
	return starlark.String(fmt.Sprintf("%v", v))
}

// structAsStarlarkValue exposes the exported fields of a Go struct as
// read-only starlark attributes.
type structAsStarlarkValue struct {
	v reflect.Value
}

var _ starlark.HasAttrs = structAsStarlarkValue{}

func (v structAsStarlarkValue) Freeze() {}

func (v structAsStarlarkValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", v.Type())
}

func (v structAsStarlarkValue) String() string {
	return fmt.Sprintf("%+v", v.v.Interface())
}

func (v structAsStarlarkValue) Truth() starlark.Bool { return true }

func (v structAsStarlarkValue) Type() string {
	return v.v.Type().String()
}

func (v structAsStarlarkValue) Attr(name string) (starlark.Value, error) {
	f, ok := v.v.Type().FieldByName(name)
	if !ok || !f.IsExported() {
		return nil, nil
	}
	return toStarlarkValue(v.v.FieldByIndex(f.Index).Interface()), nil
}

func (v structAsStarlarkValue) AttrNames() []string {
	t := v.v.Type()
	r := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() && !f.Anonymous {
			r = append(r, f.Name)
		}
	}
	sort.Strings(r)
	return r
}
