package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/x86/x86asm"
)

// asmInstruction is one decoded x86-64 instruction.
type asmInstruction struct {
	PC    uint64
	Bytes []byte
	Text  string
}

// symbolizer names addresses for the disassembler; it returns the name and
// base address of the symbol containing addr, or "" if there is none.
type symbolizer func(addr uint64) (string, uint64)

// disassemble decodes 64-bit x86 code read from pc in the given syntax
// flavor (intel, gnu or go). Bytes that do not decode, or decode only as a
// dangling prefix, are emitted as a one byte "?" instruction and decoding
// resumes at the next byte.
func disassemble(code []byte, pc uint64, flavor string, sym symbolizer) []asmInstruction {
	var r []asmInstruction
	lookup := x86asm.SymLookup(sym)
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			r = append(r, asmInstruction{PC: pc, Bytes: code[:1], Text: "?"})
			code = code[1:]
			pc++
			continue
		}
		var text string
		switch flavor {
		case "gnu":
			text = x86asm.GNUSyntax(inst, pc, lookup)
		case "go":
			text = x86asm.GoSyntax(inst, pc, lookup)
		default:
			text = x86asm.IntelSyntax(inst, pc, lookup)
		}
		r = append(r, asmInstruction{PC: pc, Bytes: code[:inst.Len], Text: text})
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return r
}

func disasmPrint(insts []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range insts {
		fmt.Fprintf(tw, "%#x\t%x\t%s\n", inst.PC, inst.Bytes, inst.Text)
	}
}
