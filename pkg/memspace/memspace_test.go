package memspace

import (
	"bytes"
	"reflect"
	"testing"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &SplicedMemory{}
			for _, region := range test.regions {
				r := bytes.NewReader(region.data)
				mem.Add(&OffsetReaderAt{r, 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !reflect.DeepEqual(got, test.want) {
				t.Errorf("ReadAt = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderHoles(t *testing.T) {
	mem := &SplicedMemory{}
	mem.Add(&Region{Addr: 0x1000, Data: make([]byte, 0x10)}, 0x1000, 0x10)
	mem.Add(&Region{Addr: 0x2000, Data: make([]byte, 0x10)}, 0x2000, 0x10)

	buf := make([]byte, 8)
	if _, err := mem.ReadMemory(buf, 0x1800); err == nil {
		t.Errorf("read inside hole succeeded")
	}
	if n, err := mem.ReadMemory(make([]byte, 0x20), 0x1000); err == nil || n != 0x10 {
		t.Errorf("read across hole = %d, %v; want 16 bytes and an error", n, err)
	}
	if err := ReadFull(mem, buf, 0x2004); err != nil {
		t.Errorf("ReadFull inside region: %v", err)
	}

	for _, tc := range []struct {
		addr, size uint64
		want       bool
	}{
		{0x1000, 0x10, true},
		{0x1008, 0x8, true},
		{0x1008, 0x9, false},
		{0x0fff, 1, false},
		{0x2000, 0, true},
	} {
		if got := mem.Contains(tc.addr, tc.size); got != tc.want {
			t.Errorf("Contains(%#x, %#x) = %v, want %v", tc.addr, tc.size, got, tc.want)
		}
	}
}

func TestRegionWrite(t *testing.T) {
	r := &Region{Addr: 0x100, Data: make([]byte, 4)}
	if _, err := r.WriteMemory(0x102, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(r.Data, []byte{0, 0, 1, 2}) {
		t.Errorf("got %v", r.Data)
	}
	if _, err := r.WriteMemory(0x103, []byte{1, 2}); err == nil {
		t.Errorf("write past end succeeded")
	}
}
