package terminal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStarlarkMemory(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		if out := term.MustExecStarlark(`print("%x" % module_base("target.exe"))`); out != "140000000\n" {
			t.Errorf("module_base: %q", out)
		}
		if out := term.MustExecStarlark(`print("%x" % proc_address("KERNEL32.DLL", "HeapAlloc"))`); out != "7ffa30001200\n" {
			t.Errorf("proc_address: %q", out)
		}
		if out := term.MustExecStarlark(`print(read_u32(0x20001004), read_u32("0x20001000+8"))`); out != "3 6\n" {
			t.Errorf("read_u32: %q", out)
		}
		if out := term.MustExecStarlark(`print(read_string(0x20000000), read_wstring(0x20000100))`); out != "Player One Grüße, Welt\n" {
			t.Errorf("read_string: %q", out)
		}
		if out := term.MustExecStarlark(`print(read_string(0x20000000, 6))`); out != "Player\n" {
			t.Errorf("read_string with limit: %q", out)
		}
		if out := term.MustExecStarlark(`print(len(read(0x20000000, 10)))`); out != "10\n" {
			t.Errorf("read: %q", out)
		}
	})
}

func TestStarlarkWrite(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`
write_u16(0x20003000, 0xbeef)
write_i32(0x20003004, -2)
write_f32(0x20003008, 0.5)
write(0x2000300c, [1, 2])
print(read_u16(0x20003000), read_i32(0x20003004), read_f32(0x20003008), read_u16(0x2000300c))
`)
		if out != "48879 -2 0.5 513\n" {
			t.Errorf("typed writes: %q", out)
		}

		if _, err := term.ExecStarlark(`write_u8(0x20003000, 256)`); err == nil {
			t.Error("out of range write did not fail")
		}
		if _, err := term.ExecStarlark(`write(0x20003000, [300])`); err == nil {
			t.Error("bad byte list did not fail")
		}
		if _, err := term.ExecStarlark(`read_u32(0x10)`); err == nil {
			t.Error("unmapped read did not fail")
		}
	})
}

func TestStarlarkProcesses(t *testing.T) {
	withTestTerminal(t, false, func(term *FakeTerminal) {
		if _, err := term.ExecStarlark(`modules()`); err == nil || !strings.Contains(err.Error(), "not attached") {
			t.Errorf("modules before attach: %v", err)
		}
		if out := term.MustExecStarlark(`print(len(processes()))`); out != "3\n" {
			t.Errorf("processes: %q", out)
		}
		out := term.MustExecStarlark(`
info = attach("target.exe")
mods = modules()
print(info.PID, len(mods), mods[0].Name, "%x" % mods[0].Base)
`)
		if out != "4242 3 target.exe 140000000\n" {
			t.Errorf("attach: %q", out)
		}
		if term.proc == nil {
			t.Error("attach from starlark did not attach the terminal")
		}
	})
}

func TestStarlarkScatterRead(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`
r = scatter_read([(0x20001004, 4), (0x20010000, 4), ("target.exe", 2)])
print(len(r[0]), r[1] == None, r[2] == b"MZ")
`)
		if out != "4 True True\n" {
			t.Errorf("scatter_read: %q", out)
		}
		if _, err := term.ExecStarlark(`scatter_read([0x20001000])`); err == nil {
			t.Error("malformed request did not fail")
		}
	})
}

func TestStarlarkCommands(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		term.MustExecStarlark(`
def command_hello(args):
	"Says hello."
	print("hello " + args)

def command_add(a, b):
	print(a + b)
`)
		term.AssertExec("hello world", "hello world\n")
		term.AssertExec("add 1, 2", "3\n")
		if out := term.MustExec("help hello"); out != "Says hello.\n" {
			t.Errorf("help of starlark command: %q", out)
		}
		if out := term.MustExecStarlark(`dma_command("base target.exe")`); out != "0x140000000\n" {
			t.Errorf("dma_command: %q", out)
		}
	})
}

func TestStarlarkMainAndGlobals(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		term.MustExecStarlark(`Counters = 0x20001000`)
		out := term.MustExecStarlark(`
def main():
	print(read_u32(Counters + 4 * 10))
`)
		if out != "30\n" {
			t.Errorf("main: %q", out)
		}
	})
}

func TestStarlarkSourceFile(t *testing.T) {
	withTestTerminal(t, true, func(term *FakeTerminal) {
		dir := t.TempDir()
		script := filepath.Join(dir, "dump.star")
		outfile := filepath.Join(dir, "out.txt")
		src := `
def main():
	write_file("` + filepath.ToSlash(outfile) + `", read_string(0x20000000))
	print(read_file("` + filepath.ToSlash(outfile) + `"))
`
		if err := os.WriteFile(script, []byte(src), 0600); err != nil {
			t.Fatal(err)
		}
		term.AssertExec("source "+script, "Player One\n")
	})
}

func TestStarlarkHelp(t *testing.T) {
	withTestTerminal(t, false, func(term *FakeTerminal) {
		out := term.MustExecStarlark(`help()`)
		for _, tgt := range []string{"Builtins:\n", "\tread(Addr, Len)\n", "\tread_u32(Addr)\n", "\tscatter_read(Requests)\n"} {
			if !strings.Contains(out, tgt) {
				t.Errorf("help() output %q does not contain %q", out, tgt)
			}
		}
		if out := term.MustExecStarlark(`help(module_base)`); !strings.HasPrefix(out, "module_base(Name)\n\nmodule_base returns") {
			t.Errorf("help(module_base): %q", out)
		}
		out = term.MustExecStarlark(`
def f():
	"Does nothing."
help(f)`)
		if out != "f: script function\nDoes nothing.\n" {
			t.Errorf("help(f): %q", out)
		}
	})
}
