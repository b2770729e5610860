package terminal

import (
	"bytes"
	"strings"
	"testing"
)

func TestHexdump(t *testing.T) {
	var buf bytes.Buffer
	hexdump(&buf, 0x1000, []byte("AB\x00"), 8, false)
	want := "0x0000000000001000: 41 42 00 " + strings.Repeat("   ", 5) + " |AB.|\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}

	buf.Reset()
	hexdump(&buf, 0, []byte("A\x00\x01"), 4, true)
	out := buf.String()
	if !strings.Contains(out, ansiGreen+"41"+ansiReset) || !strings.Contains(out, ansiGray+"00"+ansiReset) {
		t.Fatalf("colors missing: %q", out)
	}
	if !strings.Contains(out, "01 ") || strings.Contains(out, ansiGreen+"01") {
		t.Fatalf("control byte colored: %q", out)
	}
}

func TestDisassemble(t *testing.T) {
	// mov eax, 1; ret; and a truncated two byte opcode
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3, 0x0f}
	insts := disassemble(code, 0x400000, "intel", nil)
	if len(insts) != 3 {
		t.Fatalf("got %d instructions: %#v", len(insts), insts)
	}
	if insts[0].Text != "mov eax, 0x1" || insts[0].PC != 0x400000 {
		t.Errorf("first instruction %#v", insts[0])
	}
	if insts[1].Text != "ret" || insts[1].PC != 0x400005 {
		t.Errorf("second instruction %#v", insts[1])
	}
	if insts[2].Text != "?" || len(insts[2].Bytes) != 1 {
		t.Errorf("undecodable byte %#v", insts[2])
	}

	for _, tail := range [][]byte{{0x0f}, {0x66}, {0xf3}} {
		insts := disassemble(tail, 0x1000, "intel", nil)
		if len(insts) != 1 || insts[0].Text != "?" || insts[0].PC != 0x1000 {
			t.Errorf("lone %#x decoded as %#v", tail[0], insts)
		}
	}

	gnu := disassemble(code[:5], 0, "gnu", nil)
	if len(gnu) != 1 || gnu[0].Text != "mov $0x1,%eax" {
		t.Errorf("gnu syntax %#v", gnu)
	}

	var buf bytes.Buffer
	disasmPrint(insts, &buf)
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Errorf("printed %d lines", n)
	}
}
