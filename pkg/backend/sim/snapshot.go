package sim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/dma/pkg/backend"
	"github.com/go-delve/dma/pkg/pe"
)

// SnapshotScheme is the locator scheme of YAML snapshot files.
const SnapshotScheme = "snapshot"

// Snapshot is the YAML description of a world:
//
//	latency: 1ms
//	processes:
//	  - pid: 4242
//	    name: target.exe
//	    path: C:\Games\target.exe
//	    modules:
//	      - path: C:\Games\target.exe
//	        base: 0x140000000
//	        size: 0x5000
//	        exports:
//	          - {name: main, rva: 0x1400}
//	    regions:
//	      - {addr: 0x20000000, size: 0x1000, writable: true, text: "Player One"}
type Snapshot struct {
	Latency   string            `yaml:"latency,omitempty"`
	Processes []SnapshotProcess `yaml:"processes"`
}

type SnapshotProcess struct {
	PID     uint32           `yaml:"pid"`
	PPID    uint32           `yaml:"ppid,omitempty"`
	Name    string           `yaml:"name"`
	Path    string           `yaml:"path,omitempty"`
	Modules []SnapshotModule `yaml:"modules,omitempty"`
	Regions []SnapshotRegion `yaml:"regions,omitempty"`
}

// SnapshotModule is a module whose PE image is synthesized from its export
// list.
type SnapshotModule struct {
	Path    string           `yaml:"path"`
	Base    uint64           `yaml:"base"`
	Size    uint32           `yaml:"size,omitempty"`
	Entry   uint32           `yaml:"entry,omitempty"`
	Exports []SnapshotExport `yaml:"exports,omitempty"`
}

type SnapshotExport struct {
	Name    string `yaml:"name"`
	RVA     uint32 `yaml:"rva,omitempty"`
	Forward string `yaml:"forward,omitempty"`
}

// SnapshotRegion is a memory region. Its initial contents are Data (hex,
// whitespace allowed) or Text, followed by zeroes up to Size.
type SnapshotRegion struct {
	Addr     uint64 `yaml:"addr"`
	Size     uint64 `yaml:"size,omitempty"`
	Writable bool   `yaml:"writable,omitempty"`
	Data     string `yaml:"data,omitempty"`
	Text     string `yaml:"text,omitempty"`
}

// ParseSnapshot builds a world from YAML. Documents that do not describe at
// least one process are reported as backend.ErrUnrecognizedFormat.
func ParseSnapshot(in []byte) (*World, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(in, &snap); err != nil {
		return nil, fmt.Errorf("%v: %w", err, backend.ErrUnrecognizedFormat)
	}
	if len(snap.Processes) == 0 {
		return nil, fmt.Errorf("no processes in snapshot: %w", backend.ErrUnrecognizedFormat)
	}
	return snap.World()
}

// World builds the world described by snap.
func (snap *Snapshot) World() (*World, error) {
	w := NewWorld()
	if snap.Latency != "" {
		d, err := time.ParseDuration(snap.Latency)
		if err != nil {
			return nil, fmt.Errorf("bad latency %q: %v", snap.Latency, err)
		}
		w.SetLatency(d)
	}
	for _, sp := range snap.Processes {
		if sp.PID == 0 {
			return nil, fmt.Errorf("process %q: missing pid", sp.Name)
		}
		p := w.AddProcess(sp.PID, sp.PPID, sp.Name, sp.Path)
		for _, sm := range sp.Modules {
			desc := pe.ImageSpec{SizeOfImage: sm.Size, EntryPoint: sm.Entry}
			if desc.SizeOfImage == 0 {
				desc.SizeOfImage = 0x1000
			}
			for _, e := range sm.Exports {
				desc.Exports = append(desc.Exports, pe.ExportSpec{Name: e.Name, RVA: e.RVA, Forward: e.Forward})
			}
			p.AddModule(sm.Path, sm.Base, desc)
		}
		for _, sr := range sp.Regions {
			data, err := sr.contents()
			if err != nil {
				return nil, fmt.Errorf("process %q region %#x: %v", sp.Name, sr.Addr, err)
			}
			p.Map(sr.Addr, data, sr.Writable)
		}
	}
	return w, nil
}

func (sr *SnapshotRegion) contents() ([]byte, error) {
	var init []byte
	switch {
	case sr.Data != "" && sr.Text != "":
		return nil, errors.New("both data and text given")
	case sr.Data != "":
		var err error
		init, err = hex.DecodeString(strings.Join(strings.Fields(sr.Data), ""))
		if err != nil {
			return nil, err
		}
	case sr.Text != "":
		init = []byte(sr.Text)
	}
	size := sr.Size
	if size < uint64(len(init)) {
		size = uint64(len(init))
	}
	if size == 0 {
		return nil, errors.New("empty region")
	}
	data := make([]byte, size)
	copy(data, init)
	return data, nil
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*World, error) {
	in, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := ParseSnapshot(in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func openSnapshot(loc backend.Locator) (backend.Conn, error) {
	if loc.Target == "" {
		return nil, errors.New("snapshot: missing file path in device locator")
	}
	w, err := LoadSnapshot(loc.Target)
	if err != nil {
		return nil, err
	}
	c, err := connect(w, loc)
	if err != nil {
		return nil, err
	}
	return c, nil
}
