// Package fat parses and builds universal (fat) Mach-O containers
// (spec.md §6: "FAT_MAGIC / FAT_CIGAM, with either 32-bit or 64-bit fat
// arch entries").
//
// github.com/blacktop/go-macho's file.go recognizes
// types.MagicFat but panics on it ("MagicFat not handled yet") — the
// teacher never actually implemented fat-binary support. This package
// fills that gap from spec.md §6 and Apple's published
// fat_header/fat_arch/fat_arch_64 layouts directly, following the same
// big-endian, length-prefixed header style types.FileHeaderSize32/64
// already models for thin Mach-O headers.
package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-macho-sign/types"
)

const (
	magic32 = uint32(0xcafebabe)
	magic64 = uint32(0xcafebabf) // FAT_MAGIC_64

	archEntry32Size = 20 // cputype, cpusubtype, offset, size, align
	archEntry64Size = 32 // + reserved

	// fat slices are conventionally aligned to a 16KB page boundary so
	// that __TEXT segments inside each slice can be mapped directly.
	sliceAlign = 1 << 14
)

// Arch is one slice's header entry plus its raw Mach-O bytes.
type Arch struct {
	CPU      types.CPU
	SubCPU   types.CPUSubtype
	Align    uint32
	Data     []byte
}

// File is a parsed universal binary: one entry per architecture slice.
type File struct {
	Is64  bool
	Archs []Arch
}

// IsFatMagic reports whether data begins with a fat (universal) magic,
// either 32- or 64-bit fat_arch encoding.
func IsFatMagic(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	m := binary.BigEndian.Uint32(data)
	return m == magic32 || m == magic64
}

// Parse splits a universal binary into its per-architecture slices.
// Fat headers are always big-endian regardless of the contained
// slices' own byte order (spec.md §6).
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("fat: too small to be a universal binary")
	}
	magic := binary.BigEndian.Uint32(data)
	is64 := magic == magic64
	if magic != magic32 && !is64 {
		return nil, fmt.Errorf("fat: unrecognized fat magic %#x", magic)
	}

	nArch := binary.BigEndian.Uint32(data[4:8])
	entrySize := archEntry32Size
	if is64 {
		entrySize = archEntry64Size
	}

	off := 8
	f := &File{Is64: is64}
	for i := uint32(0); i < nArch; i++ {
		if off+entrySize > len(data) {
			return nil, fmt.Errorf("fat: arch entry %d out of bounds", i)
		}
		cpu := types.CPU(binary.BigEndian.Uint32(data[off:]))
		subCPU := types.CPUSubtype(binary.BigEndian.Uint32(data[off+4:]))

		var fileoff, size uint64
		var align uint32
		if is64 {
			fileoff = binary.BigEndian.Uint64(data[off+8:])
			size = binary.BigEndian.Uint64(data[off+16:])
			align = binary.BigEndian.Uint32(data[off+24:])
		} else {
			fileoff = uint64(binary.BigEndian.Uint32(data[off+8:]))
			size = uint64(binary.BigEndian.Uint32(data[off+12:]))
			align = binary.BigEndian.Uint32(data[off+16:])
		}

		end := fileoff + size
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("fat: slice %d extends beyond buffer (%d > %d)", i, end, len(data))
		}

		f.Archs = append(f.Archs, Arch{
			CPU:    cpu,
			SubCPU: subCPU,
			Align:  align,
			Data:   data[fileoff:end],
		})
		off += entrySize
	}

	return f, nil
}

// Build concatenates signed slices into a fresh universal binary,
// preserving each slice's original (cpu, subcpu, align) and computing
// fresh page-aligned offsets for the (possibly now larger, post-signing)
// slice data (spec.md §4.5: "Fat header emission must occur only after
// all slice lengths are known").
func Build(archs []Arch) []byte {
	use64 := false
	for _, a := range archs {
		end := uint64(len(a.Data))
		if end > 0xFFFFFFFF {
			use64 = true
		}
	}

	entrySize := archEntry32Size
	if use64 {
		entrySize = archEntry64Size
	}

	headerLen := 8 + len(archs)*entrySize
	offsets := make([]uint64, len(archs))
	cursor := uint64(roundUp(headerLen, sliceAlign))
	for i, a := range archs {
		offsets[i] = cursor
		cursor += uint64(len(a.Data))
		cursor = uint64(roundUp(int(cursor), sliceAlign))
	}

	out := make([]byte, cursor)
	magic := magic32
	if use64 {
		magic = magic64
	}
	binary.BigEndian.PutUint32(out[0:], magic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(archs)))

	off := 8
	for i, a := range archs {
		align := a.Align
		if align == 0 {
			align = 14 // log2(16384), Apple's conventional slice alignment
		}
		binary.BigEndian.PutUint32(out[off:], uint32(a.CPU))
		binary.BigEndian.PutUint32(out[off+4:], uint32(a.SubCPU))
		if use64 {
			binary.BigEndian.PutUint64(out[off+8:], offsets[i])
			binary.BigEndian.PutUint64(out[off+16:], uint64(len(a.Data)))
			binary.BigEndian.PutUint32(out[off+24:], align)
		} else {
			binary.BigEndian.PutUint32(out[off+8:], uint32(offsets[i]))
			binary.BigEndian.PutUint32(out[off+12:], uint32(len(a.Data)))
			binary.BigEndian.PutUint32(out[off+16:], align)
		}
		off += entrySize

		copy(out[offsets[i]:], a.Data)
	}

	return out
}

func roundUp(v, align int) int {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}
