package cmds

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/memspace"
	"github.com/go-delve/dma/pkg/minidump"
	"github.com/go-delve/dma/pkg/terminal"
)

const dumpChunkSize = 0x1000

func newDumpCommand() *cobra.Command {
	var ranges []string
	dumpCommand := &cobra.Command{
		Use:   "dump <target> <output>",
		Short: "Writes the memory of a process to a minidump file.",
		Long: `Writes the module images of a process, and the extra ranges given with
--range, to a minidump file that can be opened again as a device:

	dmactl dump target.exe target.dmp --range 0x20000000:0x10000
	dmactl --device minidump://target.dmp shell target.exe

Memory is read one page at a time in a single scatter transaction; pages
that can not be read are left out of the dump.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTerm(cmd, args[0], func(t *terminal.Term) error {
				p, err := t.Process()
				if err != nil {
					return err
				}
				var extra []dumpRange
				for _, s := range ranges {
					r, err := parseDumpRange(t, s)
					if err != nil {
						return err
					}
					extra = append(extra, r)
				}

				fh, err := os.Create(args[1])
				if err != nil {
					return err
				}
				w := bufio.NewWriter(fh)
				st, err := dumpProcess(w, p, extra)
				if err == nil {
					err = w.Flush()
				}
				if cerr := fh.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes in %d ranges to %s", st.bytes, st.ranges, args[1])
				if st.failed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), " (%d pages unreadable)", st.failed)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	dumpCommand.Flags().StringSliceVarP(&ranges, "range", "r", nil, "Extra memory range to dump, as address:size.")
	return dumpCommand
}

type dumpRange struct {
	addr uint64
	size uint64
}

func parseDumpRange(t *terminal.Term, s string) (dumpRange, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return dumpRange{}, fmt.Errorf("invalid range %q, expected address:size", s)
	}
	addr, err := t.EvalAddr(s[:i])
	if err != nil {
		return dumpRange{}, err
	}
	size, err := strconv.ParseUint(s[i+1:], 0, 64)
	if err != nil || size == 0 {
		return dumpRange{}, fmt.Errorf("invalid size in range %q", s)
	}
	return dumpRange{addr, size}, nil
}

type dumpStats struct {
	bytes  int
	ranges int
	failed int
}

// dumpChunks splits ranges into chunks that do not cross a page boundary,
// sorted by address, with overlaps removed.
func dumpChunks(ranges []dumpRange) []dumpRange {
	var chunks []dumpRange
	for _, r := range ranges {
		for addr, end := r.addr, r.addr+r.size; addr < end; {
			next := (addr + dumpChunkSize) &^ (dumpChunkSize - 1)
			if next > end || next < addr {
				next = end
			}
			chunks = append(chunks, dumpRange{addr, next - addr})
			addr = next
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].addr < chunks[j].addr })

	r := chunks[:0]
	var end uint64
	for _, c := range chunks {
		cend := c.addr + c.size
		if len(r) > 0 && c.addr < end {
			if cend <= end {
				continue
			}
			c = dumpRange{end, cend - end}
		}
		r = append(r, c)
		end = cend
	}
	return r
}

// dumpProcess writes the module images of p and the extra ranges to w as
// a minidump.
func dumpProcess(w io.Writer, p *dma.Process, extra []dumpRange) (dumpStats, error) {
	var st dumpStats
	info, err := p.Info()
	if err != nil {
		return st, err
	}
	mods, err := p.Modules()
	if err != nil {
		return st, err
	}

	md := &minidump.Minidump{
		Timestamp: uint32(time.Now().Unix()),
		Arch:      minidump.ArchAMD64,
		Pid:       info.PID,
	}
	ranges := append([]dumpRange(nil), extra...)
	for _, m := range mods {
		name := m.Path
		if name == "" {
			name = m.Name
		}
		md.Modules = append(md.Modules, minidump.Module{BaseOfImage: m.Base, SizeOfImage: uint32(m.Size), Name: name})
		ranges = append(ranges, dumpRange{m.Base, m.Size})
	}

	chunks := dumpChunks(ranges)
	sc, err := p.Scatter()
	if err != nil {
		return st, err
	}
	for _, c := range chunks {
		sc.PrepareRead(c.addr, int(c.size))
	}
	if err := sc.Execute(); err != nil {
		return st, err
	}

	for _, c := range chunks {
		data, err := sc.Read(c.addr, int(c.size))
		if err != nil {
			st.failed++
			continue
		}
		n := len(md.MemoryRanges)
		if n > 0 {
			last := &md.MemoryRanges[n-1]
			if last.Addr+uint64(len(last.Data)) == c.addr {
				last.Data = append(last.Data, data...)
				st.bytes += len(data)
				continue
			}
		}
		md.MemoryRanges = append(md.MemoryRanges, memspace.Region{Addr: c.addr, Data: data})
		st.bytes += len(data)
	}
	st.ranges = len(md.MemoryRanges)

	return st, minidump.Write(w, md)
}
