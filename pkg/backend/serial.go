package backend

import (
	"github.com/go-delve/dma/pkg/memspace"
)

// ExecuteSerial performs entries one at a time against mem. It is the
// ExecuteScatter implementation of backends whose memory is local (image
// files, simulated targets) and gain nothing from a batched transaction.
// Short transfers are reported on the entry as memspace.ErrShortRead or
// memspace.ErrShortWrite.
func ExecuteSerial(mem memspace.MemoryReadWriter, entries []*ScatterEntry) error {
	for _, e := range entries {
		e.Reset()
		if e.Write {
			n, err := mem.WriteMemory(e.Addr, e.Data)
			if err == nil && n != len(e.Data) {
				err = memspace.ErrShortWrite
			}
			e.Err = err
			continue
		}
		e.Err = memspace.ReadFull(mem, e.Data, e.Addr)
	}
	return nil
}
