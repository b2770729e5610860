package pe

import (
	"encoding/binary"
	"sort"
)

// ExportSpec describes one export of a synthesized image. Exactly one of
// RVA and Forward should be set.
type ExportSpec struct {
	Name    string
	RVA     uint32
	Forward string
}

// ImageSpec describes a synthesized PE32+ image.
type ImageSpec struct {
	Name        string
	SizeOfImage uint32
	EntryPoint  uint32
	// OrdinalBase is the ordinal of the first export; 0 means 1.
	OrdinalBase uint32
	Exports     []ExportSpec
}

const (
	buildLfanew    = 0x80
	buildExportRVA = 0x400
)

// Build lays out the headers and export directory described by desc in a
// zero-filled buffer of desc.SizeOfImage bytes (grown if the export
// directory does not fit). The result is the in-memory form of the image,
// the way a loader would have mapped it, and has no sections.
func Build(desc ImageSpec) []byte {
	exports := append([]ExportSpec(nil), desc.Exports...)
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	ordBase := desc.OrdinalBase
	if ordBase == 0 {
		ordBase = 1
	}

	n := uint32(len(exports))
	funcsRVA := uint32(buildExportRVA + exportDirSize)
	namesRVA := funcsRVA + 4*n
	ordsRVA := namesRVA + 4*n
	strRVA := ordsRVA + 2*n

	// strings: module name, export names, forwarders
	var strs []byte
	addString := func(s string) uint32 {
		rva := strRVA + uint32(len(strs))
		strs = append(strs, s...)
		strs = append(strs, 0)
		return rva
	}
	moduleNameRVA := addString(desc.Name)
	nameRVAs := make([]uint32, n)
	for i := range exports {
		nameRVAs[i] = addString(exports[i].Name)
	}
	funcRVAs := make([]uint32, n)
	for i := range exports {
		if exports[i].Forward != "" {
			funcRVAs[i] = addString(exports[i].Forward)
		} else {
			funcRVAs[i] = exports[i].RVA
		}
	}
	exportSize := strRVA + uint32(len(strs)) - buildExportRVA

	size := desc.SizeOfImage
	if need := buildExportRVA + exportSize; size < need {
		size = (need + 0xfff) &^ 0xfff
	}
	img := make([]byte, size)
	le := binary.LittleEndian

	// DOS header
	le.PutUint16(img[0:], dosSignature)
	le.PutUint32(img[0x3c:], buildLfanew)

	// NT headers
	nt := img[buildLfanew:]
	le.PutUint32(nt[0:], ntSignature)
	le.PutUint16(nt[4:], MachineAMD64)
	le.PutUint16(nt[4+16:], 240) // SizeOfOptionalHeader
	opt := nt[24:]
	le.PutUint16(opt[0:], magicPE32Plus)
	le.PutUint32(opt[16:], desc.EntryPoint)
	le.PutUint32(opt[32:], 0x1000) // SectionAlignment
	le.PutUint32(opt[36:], 0x200)  // FileAlignment
	le.PutUint32(opt[56:], size)
	le.PutUint32(opt[60:], buildExportRVA)
	le.PutUint32(opt[108:], 16)
	le.PutUint32(opt[112:], buildExportRVA)
	le.PutUint32(opt[116:], exportSize)

	// export directory
	dir := img[buildExportRVA:]
	le.PutUint32(dir[12:], moduleNameRVA)
	le.PutUint32(dir[16:], ordBase)
	le.PutUint32(dir[20:], n)
	le.PutUint32(dir[24:], n)
	le.PutUint32(dir[28:], funcsRVA)
	le.PutUint32(dir[32:], namesRVA)
	le.PutUint32(dir[36:], ordsRVA)
	for i := uint32(0); i < n; i++ {
		le.PutUint32(img[funcsRVA+4*i:], funcRVAs[i])
		le.PutUint32(img[namesRVA+4*i:], nameRVAs[i])
		le.PutUint16(img[ordsRVA+2*i:], uint16(i))
	}
	copy(img[strRVA:], strs)
	return img
}
