package terminal

import (
	"bufio"
	"fmt"
	"io"
)

// hexdump writes data, read from addr, as rows of width bytes: the
// address, the bytes in hex and their printable ASCII. Zero bytes are
// dimmed and printable bytes highlighted when color is set.
func hexdump(out io.Writer, addr uint64, data []byte, width int, color bool) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	for off := 0; off < len(data); off += width {
		row := data[off:min(off+width, len(data))]
		fmt.Fprintf(bw, "%#016x: ", addr+uint64(off))
		for i := 0; i < width; i++ {
			if i > 0 && i%8 == 0 {
				bw.WriteByte(' ')
			}
			if i >= len(row) {
				bw.WriteString("   ")
				continue
			}
			b := row[i]
			if c := byteColor(b, color); c != "" {
				fmt.Fprintf(bw, "%s%02x%s ", c, b, ansiReset)
			} else {
				fmt.Fprintf(bw, "%02x ", b)
			}
		}
		bw.WriteString(" |")
		for _, b := range row {
			ch := byte('.')
			if isPrint(b) {
				ch = b
			}
			if c := byteColor(b, color); c != "" {
				fmt.Fprintf(bw, "%s%c%s", c, ch, ansiReset)
			} else {
				bw.WriteByte(ch)
			}
		}
		bw.WriteString("|\n")
	}
}

func isPrint(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

func byteColor(b byte, color bool) string {
	switch {
	case !color:
		return ""
	case b == 0:
		return ansiGray
	case isPrint(b):
		return ansiGreen
	}
	return ""
}
