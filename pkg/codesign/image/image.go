// Package image is the structural view over a Mach-O buffer the signer
// needs: header, load commands, segments, and the derived queries the
// rewriter and Code Directory builder depend on. It borrows the input
// buffer for its lifetime rather than copying segment data, following
// the layout github.com/blacktop/go-macho's file.go uses for its own
// FileTOC, but parses raw bytes directly so that load-command bytes
// beyond the fields we rewrite are preserved verbatim.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-macho-sign/types"
)

// LoadCommand is an uninterpreted, byte-exact view of one load command.
type LoadCommand struct {
	Cmd    types.LoadCmd
	Size   uint32
	Offset int // byte offset of this command within Image.Data
}

// Raw returns the command's bytes, header included.
func (l LoadCommand) Raw(data []byte) []byte {
	return data[l.Offset : l.Offset+int(l.Size)]
}

// Section is a parsed section header nested inside an LC_SEGMENT /
// LC_SEGMENT_64, carrying the one field checkHeadroom needs: where the
// section's bytes actually start in the file.
type Section struct {
	Name    string
	Fileoff uint32
}

// Segment is a parsed LC_SEGMENT / LC_SEGMENT_64.
type Segment struct {
	Name        string
	Is64        bool
	Fileoff     uint64
	Filesize    uint64
	Vmaddr      uint64
	Vmsize      uint64
	CmdOffset   int // offset of the load command within Image.Data
	CmdSize     uint32
	FileoffOff  int // byte offset of the fileoff field within Image.Data, for in-place rewrite
	FilesizeOff int // byte offset of the filesize field
	VmsizeOff   int // byte offset of the vmsize field

	Sections []Section
}

// CodeSignatureCommand is a parsed LC_CODE_SIGNATURE (linkedit_data_command).
type CodeSignatureCommand struct {
	CmdOffset int
	CmdSize   uint32
	DataOff   uint32
	DataSize  uint32
	// byte offsets of the dataoff/datasize fields, for in-place rewrite
	DataOffFieldOff  int
	DataSizeFieldOff int
}

// Targeting describes the platform/min-OS/SDK a slice was built for,
// parsed from LC_BUILD_VERSION or LC_VERSION_MIN_*.
type Targeting struct {
	Known      bool
	Platform   uint32
	MinOS      uint32
	SDK        uint32
}

// Image is an immutable structural view over a single (non-fat) Mach-O slice.
type Image struct {
	Data []byte

	Is64       bool
	ByteOrder  binary.ByteOrder
	CPU        types.CPU
	SubCPU     types.CPUSubtype
	FileType   types.HeaderFileType
	NCmds      uint32
	SizeOfCmds uint32
	Flags      types.HeaderFlag
	HeaderSize int

	Commands []LoadCommand
	Segments []*Segment

	CodeSignature *CodeSignatureCommand // nil if absent

	Target Targeting
}

// Parse interprets data as a single (non-fat) Mach-O image. data is
// borrowed, not copied.
func Parse(data []byte) (*Image, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("image: too small to be a Mach-O (%d bytes)", len(data))
	}

	magicLE := binary.LittleEndian.Uint32(data)
	magicBE := binary.BigEndian.Uint32(data)

	var bo binary.ByteOrder
	var is64 bool
	switch {
	case magicLE == uint32(types.Magic64):
		bo, is64 = binary.LittleEndian, true
	case magicBE == uint32(types.Magic64):
		bo, is64 = binary.BigEndian, true
	case magicLE == uint32(types.Magic32):
		bo, is64 = binary.LittleEndian, false
	case magicBE == uint32(types.Magic32):
		bo, is64 = binary.BigEndian, false
	default:
		return nil, fmt.Errorf("image: unrecognized Mach-O magic %#x", magicLE)
	}

	hdrSize := int(types.FileHeaderSize32)
	if is64 {
		hdrSize = int(types.FileHeaderSize64)
	}
	if len(data) < hdrSize {
		return nil, fmt.Errorf("image: truncated header")
	}

	img := &Image{
		Data:       data,
		Is64:       is64,
		ByteOrder:  bo,
		CPU:        types.CPU(bo.Uint32(data[4:8])),
		SubCPU:     types.CPUSubtype(bo.Uint32(data[8:12])),
		FileType:   types.HeaderFileType(bo.Uint32(data[12:16])),
		NCmds:      bo.Uint32(data[16:20]),
		SizeOfCmds: bo.Uint32(data[20:24]),
		Flags:      types.HeaderFlag(bo.Uint32(data[24:28])),
		HeaderSize: hdrSize,
	}

	off := hdrSize
	for i := uint32(0); i < img.NCmds; i++ {
		if off+8 > len(data) {
			return nil, fmt.Errorf("image: load command %d out of bounds", i)
		}
		cmd := types.LoadCmd(bo.Uint32(data[off:]))
		size := bo.Uint32(data[off+4:])
		if size < 8 || off+int(size) > len(data) {
			return nil, fmt.Errorf("image: load command %d has invalid size %d", i, size)
		}
		lc := LoadCommand{Cmd: cmd, Size: size, Offset: off}
		img.Commands = append(img.Commands, lc)

		switch cmd {
		case types.LC_SEGMENT:
			seg, err := parseSegment32(data, off, bo)
			if err != nil {
				return nil, err
			}
			img.Segments = append(img.Segments, seg)
		case types.LC_SEGMENT_64:
			seg, err := parseSegment64(data, off, bo)
			if err != nil {
				return nil, err
			}
			img.Segments = append(img.Segments, seg)
		case types.LC_CODE_SIGNATURE:
			img.CodeSignature = &CodeSignatureCommand{
				CmdOffset:        off,
				CmdSize:          size,
				DataOff:          bo.Uint32(data[off+8:]),
				DataSize:         bo.Uint32(data[off+12:]),
				DataOffFieldOff:  off + 8,
				DataSizeFieldOff: off + 12,
			}
		case types.LC_BUILD_VERSION:
			img.Target.Known = true
			img.Target.Platform = bo.Uint32(data[off+8:])
			img.Target.MinOS = bo.Uint32(data[off+12:])
			img.Target.SDK = bo.Uint32(data[off+16:])
		case types.LC_VERSION_MIN_MACOSX, types.LC_VERSION_MIN_IPHONEOS,
			types.LC_VERSION_MIN_TVOS, types.LC_VERSION_MIN_WATCHOS:
			img.Target.Known = true
			img.Target.MinOS = bo.Uint32(data[off+8:])
			img.Target.SDK = bo.Uint32(data[off+12:])
		}

		off += int(size)
	}

	return img, nil
}

func parseSegment32(data []byte, off int, bo binary.ByteOrder) (*Segment, error) {
	if off+56 > len(data) {
		return nil, fmt.Errorf("image: truncated LC_SEGMENT at %d", off)
	}
	name := cString(data[off+8 : off+24])
	nsects := bo.Uint32(data[off+48:])
	sects, err := parseSections32(data, off+56, nsects, bo)
	if err != nil {
		return nil, err
	}
	return &Segment{
		Name:        name,
		Is64:        false,
		Vmaddr:      uint64(bo.Uint32(data[off+24:])),
		Vmsize:      uint64(bo.Uint32(data[off+28:])),
		Fileoff:     uint64(bo.Uint32(data[off+32:])),
		Filesize:    uint64(bo.Uint32(data[off+36:])),
		CmdOffset:   off,
		CmdSize:     bo.Uint32(data[off+4:]),
		FileoffOff:  off + 32,
		FilesizeOff: off + 36,
		VmsizeOff:   off + 28,
		Sections:    sects,
	}, nil
}

func parseSegment64(data []byte, off int, bo binary.ByteOrder) (*Segment, error) {
	if off+72 > len(data) {
		return nil, fmt.Errorf("image: truncated LC_SEGMENT_64 at %d", off)
	}
	name := cString(data[off+8 : off+24])
	nsects := bo.Uint32(data[off+64:])
	sects, err := parseSections64(data, off+72, nsects, bo)
	if err != nil {
		return nil, err
	}
	return &Segment{
		Name:        name,
		Is64:        true,
		Vmaddr:      bo.Uint64(data[off+24:]),
		Vmsize:      bo.Uint64(data[off+32:]),
		Fileoff:     bo.Uint64(data[off+40:]),
		Filesize:    bo.Uint64(data[off+48:]),
		CmdOffset:   off,
		CmdSize:     bo.Uint32(data[off+4:]),
		FileoffOff:  off + 40,
		FilesizeOff: off + 48,
		VmsizeOff:   off + 32,
		Sections:    sects,
	}, nil
}

// section32Size and section64Size are sizeof(struct section) and
// sizeof(struct section_64) respectively.
const (
	section32Size = 68
	section64Size = 80
)

func parseSections32(data []byte, off int, nsects uint32, bo binary.ByteOrder) ([]Section, error) {
	sects := make([]Section, 0, nsects)
	for i := uint32(0); i < nsects; i++ {
		if off+section32Size > len(data) {
			return nil, fmt.Errorf("image: truncated section header at %d", off)
		}
		sects = append(sects, Section{
			Name:    cString(data[off : off+16]),
			Fileoff: bo.Uint32(data[off+40:]),
		})
		off += section32Size
	}
	return sects, nil
}

func parseSections64(data []byte, off int, nsects uint32, bo binary.ByteOrder) ([]Section, error) {
	sects := make([]Section, 0, nsects)
	for i := uint32(0); i < nsects; i++ {
		if off+section64Size > len(data) {
			return nil, fmt.Errorf("image: truncated section header at %d", off)
		}
		sects = append(sects, Section{
			Name:    cString(data[off : off+16]),
			Fileoff: bo.Uint32(data[off+48:]),
		})
		off += section64Size
	}
	return sects, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Segment looks up a segment by name, in load-command order.
func (img *Image) Segment(name string) *Segment {
	for _, s := range img.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Linkedit returns the __LINKEDIT segment, or nil.
func (img *Image) Linkedit() *Segment { return img.Segment("__LINKEDIT") }

// IsExecutable reports whether the image is MH_EXECUTE.
func (img *Image) IsExecutable() bool { return img.FileType == types.MH_EXECUTE }

// ExecSegment returns the segment carrying the executable text, i.e.
// __TEXT for everything this signer deals with.
func (img *Image) ExecSegment() *Segment { return img.Segment("__TEXT") }

// FirstSectionFileoff returns the lowest file offset among every
// section in every segment, and whether any section was found at all
// (a segment can legitimately have zero sections, e.g. __PAGEZERO).
func (img *Image) FirstSectionFileoff() (uint32, bool) {
	var min uint32
	found := false
	for _, seg := range img.Segments {
		for _, sect := range seg.Sections {
			if !found || sect.Fileoff < min {
				min = sect.Fileoff
				found = true
			}
		}
	}
	return min, found
}

// CodeLimitOffset is the end of the bytes that get hashed into the
// Code Directory: the start of any existing signature, else the end
// of __LINKEDIT, else the end of the file.
func (img *Image) CodeLimitOffset() (int64, error) {
	if img.CodeSignature != nil {
		return int64(img.CodeSignature.DataOff), nil
	}
	if le := img.Linkedit(); le != nil {
		return int64(le.Fileoff + le.Filesize), nil
	}
	return int64(len(img.Data)), nil
}

// LinkeditPrefix returns the bytes of __LINKEDIT preceding any existing
// signature.
func (img *Image) LinkeditPrefix() ([]byte, error) {
	le := img.Linkedit()
	if le == nil {
		return nil, fmt.Errorf("image: no __LINKEDIT segment")
	}
	limit, err := img.CodeLimitOffset()
	if err != nil {
		return nil, err
	}
	start := int64(le.Fileoff)
	if limit < start {
		return nil, fmt.Errorf("image: __LINKEDIT fileoff %d beyond code limit %d", start, limit)
	}
	return img.Data[start:limit], nil
}

// VerifySignatureAtLinkeditEnd checks the "existing signature is at
// the end of __LINKEDIT" precondition spec.md §9's second open
// question requires before signing is attempted again.
func (img *Image) VerifySignatureAtLinkeditEnd() error {
	le := img.Linkedit()
	if le == nil || img.CodeSignature == nil {
		return nil
	}
	want := le.Fileoff + le.Filesize
	got := uint64(img.CodeSignature.DataOff) + uint64(img.CodeSignature.DataSize)
	if got != want {
		return fmt.Errorf("image: existing signature ends at %#x, not at __LINKEDIT end %#x", got, want)
	}
	return nil
}
