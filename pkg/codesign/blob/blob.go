// Package blob implements the SuperBlob builder (spec.md §4.2): typed
// wrappers over individual SuperBlob members, each serializing to a
// length-prefixed, magic-tagged blob, assembled in the canonical slot
// order Apple's codesign expects.
//
// Grounded on github.com/blacktop/go-macho's
// pkg/codesign/types/blob.go (SuperBlob/Blob/SlotType) and
// pkg/codesign/types/types.go (the ad-hoc Sign routine), generalized
// from ad-hoc-only emission to the full multi-slot, multi-CodeDirectory
// layout spec.md describes.
package blob

import "encoding/binary"

// Magic tags, matching Apple's published values (spec.md §6).
type Magic uint32

const (
	MagicRequirement              Magic = 0xfade0c00
	MagicRequirements             Magic = 0xfade0c01
	MagicCodeDirectory            Magic = 0xfade0c02
	MagicEmbeddedSignature        Magic = 0xfade0cc0
	MagicEmbeddedEntitlements     Magic = 0xfade7171
	MagicEmbeddedEntitlementsDER  Magic = 0xfade7172
	MagicBlobWrapper              Magic = 0xfade0b01
	MagicEmbeddedLaunchConstraint Magic = 0xfade8181
)

// SlotType identifies a slot position inside a SuperBlob's index.
type SlotType uint32

const (
	SlotCodeDirectory              SlotType = 0
	SlotInfo                       SlotType = 1
	SlotRequirements               SlotType = 2
	SlotResourceDir                SlotType = 3
	SlotApplication                SlotType = 4
	SlotEntitlements               SlotType = 5
	SlotRepSpecific                SlotType = 6
	SlotEntitlementsDER            SlotType = 7
	SlotLaunchConstraintsSelf      SlotType = 8
	SlotLaunchConstraintsParent    SlotType = 9
	SlotLaunchConstraintsResponsible SlotType = 10
	SlotLibraryConstraints         SlotType = 11
	SlotAlternateCodeDirectories   SlotType = 0x1000
	SlotSignature                  SlotType = 0x10000
)

// canonicalOrder is the fixed slot ordering spec.md §6 requires inside
// the SuperBlob index: Code Directory first, well-known slots next,
// alternates, then the CMS signature last.
var canonicalOrder = []SlotType{
	SlotCodeDirectory,
	SlotInfo,
	SlotRequirements,
	SlotResourceDir,
	SlotApplication,
	SlotEntitlements,
	SlotRepSpecific,
	SlotEntitlementsDER,
	SlotLaunchConstraintsSelf,
	SlotLaunchConstraintsParent,
	SlotLaunchConstraintsResponsible,
	SlotLibraryConstraints,
}

func slotRank(s SlotType) int {
	if s >= SlotAlternateCodeDirectories && s < SlotSignature {
		// alternates sort by their index after SlotAlternateCodeDirectories,
		// but always after every well-known slot.
		return len(canonicalOrder) + int(s-SlotAlternateCodeDirectories)
	}
	if s == SlotSignature {
		return 1 << 30 // always last
	}
	for i, c := range canonicalOrder {
		if c == s {
			return i
		}
	}
	return len(canonicalOrder) + 1000 // unknown: sort after well-knowns and after alternates with index below 1000
}

// Blob is one SuperBlob member: a magic tag plus its serialized payload
// (header included in Bytes, per spec.md's "(magic, length, payload)").
type Blob struct {
	Slot  SlotType
	Magic Magic
	Bytes []byte // full serialized blob: magic(4) + length(4) + payload
}

// NewBlob wraps payload with its magic-tagged, length-prefixed header.
func NewBlob(slot SlotType, magic Magic, payload []byte) Blob {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:], uint32(magic))
	binary.BigEndian.PutUint32(out[4:], uint32(8+len(payload)))
	copy(out[8:], payload)
	return Blob{Slot: slot, Magic: magic, Bytes: out}
}

// Payload returns the blob's bytes without its 8-byte header.
func (b Blob) Payload() []byte {
	if len(b.Bytes) < 8 {
		return nil
	}
	return b.Bytes[8:]
}
