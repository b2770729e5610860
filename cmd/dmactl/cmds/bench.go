package cmds

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/dma/pkg/dma"
	"github.com/go-delve/dma/pkg/terminal"
)

func newBenchCommand() *cobra.Command {
	var stride int
	benchCommand := &cobra.Command{
		Use:   "bench <target> <address> <size> <count>",
		Short: "Compares serial reads with a scatter transaction.",
		Long: `Reads count elements of size bytes, stride bytes apart, once with one
device call per element and once with a single scatter transaction, and
prints the time taken by each.

The difference is most visible on a slow device, for example:

	dmactl --device sim://demo,latency=1ms bench target.exe 0x20001000 4 1024`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.Atoi(args[2])
			if err != nil || size <= 0 {
				return fmt.Errorf("invalid size %q", args[2])
			}
			count, err := strconv.Atoi(args[3])
			if err != nil || count <= 0 {
				return fmt.Errorf("invalid count %q", args[3])
			}
			if stride <= 0 {
				stride = size
			}
			return withTerm(cmd, args[0], func(t *terminal.Term) error {
				p, err := t.Process()
				if err != nil {
					return err
				}
				addr, err := t.EvalAddr(args[1])
				if err != nil {
					return err
				}
				return bench(cmd.OutOrStdout(), p, addr, size, count, stride)
			})
		},
	}
	benchCommand.Flags().IntVarP(&stride, "stride", "s", 0, "Distance between elements (default: size).")
	return benchCommand
}

func bench(out io.Writer, p *dma.Process, addr uint64, size, count, stride int) error {
	buf := make([]byte, size)
	serialFailed := 0
	start := time.Now()
	for i := 0; i < count; i++ {
		if err := p.ReadInto(addr+uint64(i*stride), buf); err != nil {
			serialFailed++
		}
	}
	serial := time.Since(start)

	sc, err := p.Scatter()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		sc.PrepareRead(addr+uint64(i*stride), size)
	}
	start = time.Now()
	if err := sc.Execute(); err != nil {
		return err
	}
	scatter := time.Since(start)
	st := sc.Stats()

	fmt.Fprintf(out, "serial:  %d reads, %d failed, %v\n", count, serialFailed, serial)
	fmt.Fprintf(out, "scatter: %d entries, %d failed, %d round trips, %v\n", st.Entries, st.Failed, st.RoundTrips, scatter)
	if scatter > 0 {
		fmt.Fprintf(out, "speedup: %.1fx\n", float64(serial)/float64(scatter))
	}
	return nil
}
