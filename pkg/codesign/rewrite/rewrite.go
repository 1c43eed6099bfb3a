// Package rewrite implements the Mach-O rewriter (spec.md §4.1): given
// a parsed image and a signature byte slice of known length, produce a
// new complete Mach-O buffer with updated load commands, a padded
// __LINKEDIT, and the signature appended.
//
// Grounded on the byte-cursor segment-copy technique in
// _examples/golang-scratch/cherry/codesign.go's Sign function and the
// Segment.Put32/Put64 field layouts in
// github.com/blacktop/go-macho/cmds.go, generalized from "append one
// ad-hoc signature to a stub binary" to the full two-pass reservation
// rewrite described in
// original_source/apple-codesign/src/macho_signing.rs
// (create_macho_with_signature / write_macho_file).
package rewrite

import (
	"fmt"
	"sort"

	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
	"github.com/appsworld/go-macho-sign/types"
)

// ErrNoHeadroom is returned when no existing LC_CODE_SIGNATURE is
// present and there isn't enough space between the end of the load
// commands and the first section's file offset to insert one (spec.md
// §9, first Open Question — resolved here as a validated error rather
// than left as an unchecked assumption).
type ErrNoHeadroom struct {
	Need      uint32
	Available uint32
}

func (e *ErrNoHeadroom) Error() string {
	return fmt.Sprintf("rewrite: need %d bytes of load-command headroom to insert LC_CODE_SIGNATURE, only %d available", e.Need, e.Available)
}

// MachOWriteError reports rewriter cursor/segment corruption (spec.md
// §7's MachOWrite kind).
type MachOWriteError struct {
	Op     string
	Detail string
}

func (e *MachOWriteError) Error() string {
	return fmt.Sprintf("rewrite: %s: %s", e.Op, e.Detail)
}

const linkeditDataCmdSize = 16 // cmd(4) + cmdsize(4) + dataoff(4) + datasize(4)
const linkeditAlign = 16
const linkeditVMAlign = 16384

// Rewrite performs the 8-step algorithm of spec.md §4.1, returning a
// fresh buffer. img is read-only; its backing buffer is never mutated.
func Rewrite(img *image.Image, signatureBytes []byte) ([]byte, error) {
	le := img.Linkedit()
	if le == nil {
		return nil, fmt.Errorf("rewrite: no __LINKEDIT segment")
	}

	codeLimitOffset, err := img.CodeLimitOffset()
	if err != nil {
		return nil, err
	}
	linkeditPrefix, err := img.LinkeditPrefix()
	if err != nil {
		return nil, err
	}

	// step 1: align the signature start to 16 bytes
	sigFileOffset := codeLimitOffset
	padLen := int64(0)
	if r := sigFileOffset % linkeditAlign; r != 0 {
		padLen = linkeditAlign - r
		sigFileOffset += padLen
	}

	// step 2 & 3
	newLinkeditFilesize := int64(len(linkeditPrefix)) + padLen + int64(len(signatureBytes))
	newLinkeditVMSize := roundUp(newLinkeditFilesize, linkeditVMAlign)

	hasExistingSig := img.CodeSignature != nil
	newCmdSize := uint32(0)
	if !hasExistingSig {
		newCmdSize = linkeditDataCmdSize
	}

	newSizeOfCmds := img.SizeOfCmds + newCmdSize
	newNCmds := img.NCmds
	if !hasExistingSig {
		newNCmds++
	}

	if !hasExistingSig {
		if err := checkHeadroom(img, newSizeOfCmds); err != nil {
			return nil, err
		}
	}

	// step 4: header
	headerLen := img.HeaderSize
	out := make([]byte, headerLen)
	copy(out, img.Data[:headerLen])
	bo := img.ByteOrder
	bo.PutUint32(out[16:], newNCmds)
	bo.PutUint32(out[20:], newSizeOfCmds)

	// step 5: load commands, in original order, rewriting in place
	cmdsBuf := make([]byte, img.SizeOfCmds, img.SizeOfCmds+newCmdSize)
	copy(cmdsBuf, img.Data[headerLen:headerLen+int(img.SizeOfCmds)])

	for _, lc := range img.Commands {
		relOff := lc.Offset - headerLen
		switch lc.Cmd {
		case types.LC_CODE_SIGNATURE:
			bo.PutUint32(cmdsBuf[relOff+8:], uint32(sigFileOffset))
			bo.PutUint32(cmdsBuf[relOff+12:], uint32(len(signatureBytes)))
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			seg := img.Segment(segmentNameAt(img, lc.Offset))
			if seg != nil && seg.Name == "__LINKEDIT" {
				if lc.Cmd == types.LC_SEGMENT_64 {
					bo.PutUint64(cmdsBuf[relOff+32:], uint64(newLinkeditVMSize))
					bo.PutUint64(cmdsBuf[relOff+48:], uint64(newLinkeditFilesize))
				} else {
					bo.PutUint32(cmdsBuf[relOff+28:], uint32(newLinkeditVMSize))
					bo.PutUint32(cmdsBuf[relOff+36:], uint32(newLinkeditFilesize))
				}
			}
		}
	}

	// step 6: append a fresh LC_CODE_SIGNATURE if none existed
	if !hasExistingSig {
		lcBuf := make([]byte, linkeditDataCmdSize)
		bo.PutUint32(lcBuf[0:], uint32(types.LC_CODE_SIGNATURE))
		bo.PutUint32(lcBuf[4:], linkeditDataCmdSize)
		bo.PutUint32(lcBuf[8:], uint32(sigFileOffset))
		bo.PutUint32(lcBuf[12:], uint32(len(signatureBytes)))
		cmdsBuf = append(cmdsBuf, lcBuf...)
	}

	out = append(out, cmdsBuf...)

	// step 7: segments in file-offset order, copying gap bytes verbatim
	segs := append([]*image.Segment(nil), img.Segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Fileoff < segs[j].Fileoff })

	cursor := int64(len(out))
	for _, seg := range segs {
		if seg.Name == "__PAGEZERO" {
			continue
		}
		fileoff := int64(seg.Fileoff)

		if fileoff == 0 && cursor > 0 {
			// first non-empty segment at fileoff 0 overlaps the header;
			// write only the bytes beyond the cursor.
		} else if cursor < fileoff {
			out = append(out, img.Data[cursor:fileoff]...)
			cursor = fileoff
		} else if cursor > fileoff {
			return nil, &MachOWriteError{Op: "segment", Detail: fmt.Sprintf("cursor %d advanced beyond segment %q fileoff %d", cursor, seg.Name, fileoff)}
		}

		if seg.Name == "__LINKEDIT" {
			out = append(out, linkeditPrefix...)
			out = append(out, make([]byte, padLen)...)
			cursor = int64(len(out))
			if cursor != sigFileOffset {
				return nil, &MachOWriteError{Op: "signature", Detail: fmt.Sprintf("cursor %d != computed signature offset %d", cursor, sigFileOffset)}
			}
			if cursor%linkeditAlign != 0 {
				return nil, &MachOWriteError{Op: "signature", Detail: fmt.Sprintf("signature offset %d is not 16-byte aligned", cursor)}
			}
			out = append(out, signatureBytes...)
			cursor = int64(len(out))
			continue
		}

		segEnd := fileoff + int64(seg.Filesize)
		if segEnd > int64(len(img.Data)) {
			segEnd = int64(len(img.Data))
		}
		if segEnd > cursor {
			out = append(out, img.Data[cursor:segEnd]...)
			cursor = segEnd
		}
	}

	return out, nil
}

func roundUp(v, align int64) int64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// checkHeadroom validates that growing sizeofcmds to newSizeOfCmds
// won't run the load commands into actual section content: the real
// hazard isn't the next segment's fileoff (a segment can start well
// before its first section, e.g. padding before __text) but the file
// offset of the very first section in the image, since that's the
// earliest byte any segment's contents begin at.
func checkHeadroom(img *image.Image, newSizeOfCmds uint32) error {
	firstSectionOffset, found := img.FirstSectionFileoff()
	if !found {
		return nil
	}
	need := uint32(img.HeaderSize) + newSizeOfCmds
	if need > firstSectionOffset {
		return &ErrNoHeadroom{Need: need, Available: firstSectionOffset}
	}
	return nil
}

func segmentNameAt(img *image.Image, cmdOffset int) string {
	for _, seg := range img.Segments {
		if seg.CmdOffset == cmdOffset {
			return seg.Name
		}
	}
	return ""
}
