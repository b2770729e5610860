package backend

import (
	"errors"
	"testing"

	"github.com/go-delve/dma/pkg/memspace"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in     string
		scheme string
		target string
		params map[string]string
		fail   bool
	}{
		{"fpga://algo=0", "fpga", "", map[string]string{"algo": "0"}, false},
		{"FPGA://algo=0,pciegen=2", "fpga", "", map[string]string{"algo": "0", "pciegen": "2"}, false},
		{`minidump://C:\dumps\target.dmp`, "minidump", `C:\dumps\target.dmp`, map[string]string{}, false},
		{"sim://test,latency=1ms", "sim", "test", map[string]string{"latency": "1ms"}, false},
		{"linux://", "linux", "", map[string]string{}, false},
		{"/tmp/target.dmp", "", "/tmp/target.dmp", map[string]string{}, false},
		{"", "", "", nil, true},
		{"://x", "", "", nil, true},
		{"sim://a,b", "", "", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			loc, err := ParseLocator(tc.in)
			if tc.fail {
				if err == nil {
					t.Fatalf("expected error, got %#v", loc)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if loc.Scheme != tc.scheme || loc.Target != tc.target || len(loc.Params) != len(tc.params) {
				t.Fatalf("got %#v", loc)
			}
			for k, v := range tc.params {
				if loc.Param(k, "") != v {
					t.Errorf("param %s = %q, want %q", k, loc.Params[k], v)
				}
			}
		})
	}
}

type fakeConn struct{ loc Locator }

func (c *fakeConn) Processes() ([]ProcessEntry, error)        { return nil, nil }
func (c *fakeConn) OpenProcess(sel Selector) (Process, error) { return nil, ErrNoProcess }
func (c *fakeConn) Close() error                              { return nil }

func TestOpenRegistry(t *testing.T) {
	Register("test-reg", DriverFunc(func(loc Locator) (Conn, error) {
		return &fakeConn{loc}, nil
	}), false)
	Register("test-img-a", DriverFunc(func(loc Locator) (Conn, error) {
		return nil, ErrUnrecognizedFormat
	}), true)
	Register("test-img-b", DriverFunc(func(loc Locator) (Conn, error) {
		if loc.Target != "b.img" {
			return nil, ErrUnrecognizedFormat
		}
		return &fakeConn{loc}, nil
	}), true)

	conn, err := Open("test-reg://x,k=v")
	if err != nil {
		t.Fatal(err)
	}
	if fc := conn.(*fakeConn); fc.loc.Target != "x" || fc.loc.Param("k", "") != "v" {
		t.Fatalf("driver got %#v", fc.loc)
	}

	if _, err := Open("nope://"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}

	conn, err = Open("b.img")
	if err != nil {
		t.Fatal(err)
	}
	if conn.(*fakeConn).loc.Target != "b.img" {
		t.Fatalf("wrong image driver")
	}

	if _, err := Open("c.img"); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Fatalf("expected ErrUnrecognizedFormat, got %v", err)
	}

	found := 0
	for _, s := range Schemes() {
		if s == "test-reg" || s == "test-img-a" || s == "test-img-b" {
			found++
		}
	}
	if found != 3 {
		t.Fatalf("Schemes() = %v", Schemes())
	}
}

func TestExecuteSerial(t *testing.T) {
	mem := &memspace.Region{Addr: 0x1000, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	entries := []*ScatterEntry{
		{Addr: 0x1000, Data: make([]byte, 4)},
		{Addr: 0x2000, Data: make([]byte, 4)},
		{Addr: 0x1004, Data: []byte{9, 9}, Write: true},
		{Addr: 0x1004, Data: make([]byte, 4)},
	}
	if err := ExecuteSerial(mem, entries); err != nil {
		t.Fatal(err)
	}
	if entries[0].Err != nil || string(entries[0].Data) != "\x01\x02\x03\x04" {
		t.Errorf("entry 0: %v %v", entries[0].Data, entries[0].Err)
	}
	if entries[1].Err == nil {
		t.Errorf("entry 1 should have failed")
	}
	if entries[2].Err != nil {
		t.Errorf("entry 2: %v", entries[2].Err)
	}
	if entries[3].Err != nil || string(entries[3].Data) != "\x09\x09\x07\x08" {
		t.Errorf("entry 3: %v %v", entries[3].Data, entries[3].Err)
	}
}

// halfMemory transfers only the first half of every request.
type halfMemory struct {
	memspace.Region
}

func (m *halfMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.Region.ReadMemory(buf[:len(buf)/2], addr)
}

func (m *halfMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	return m.Region.WriteMemory(addr, data[:len(data)/2])
}

func TestExecuteSerialShortTransfers(t *testing.T) {
	mem := &halfMemory{memspace.Region{Addr: 0x1000, Data: make([]byte, 8)}}
	entries := []*ScatterEntry{
		{Addr: 0x1000, Data: make([]byte, 4)},
		{Addr: 0x1000, Data: []byte{1, 2, 3, 4}, Write: true},
	}
	if err := ExecuteSerial(mem, entries); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(entries[0].Err, memspace.ErrShortRead) {
		t.Errorf("short read reported as %v", entries[0].Err)
	}
	if !errors.Is(entries[1].Err, memspace.ErrShortWrite) {
		t.Errorf("short write reported as %v", entries[1].Err)
	}
}
