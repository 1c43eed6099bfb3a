package blob

import (
	"encoding/binary"

	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
)

// cdVersion mirrors the compatibility-version thresholds in
// github.com/blacktop/go-macho's pkg/codesign/types/directory.go.
type cdVersion uint32

const (
	versionBase     cdVersion = 0x20001
	versionScatter  cdVersion = 0x20100
	versionTeamID   cdVersion = 0x20200
	versionLimit64  cdVersion = 0x20300
	versionExecSeg  cdVersion = 0x20400
	versionRuntime  cdVersion = 0x20500
	versionLinkage  cdVersion = 0x20600
)

// Flags, matching the published cdFlag bit values.
type CDFlag uint32

const (
	FlagNone         CDFlag = 0
	FlagAdhoc        CDFlag = 0x00000002
	FlagForcedLV     CDFlag = 0x00000010
	FlagRuntime      CDFlag = 0x00010000
	FlagLinkerSigned CDFlag = 0x00020000
)

// ExecSegFlag mirrors Apple's exec segment flags.
type ExecSegFlag uint64

const (
	ExecSegMainBinary    ExecSegFlag = 0x1
	ExecSegAllowUnsigned ExecSegFlag = 0x10
	ExecSegDebugger      ExecSegFlag = 0x20
	ExecSegJIT           ExecSegFlag = 0x40
)

// CodeDirectoryInput is everything BuildCodeDirectory needs to
// assemble one Code Directory blob (spec.md §4.3).
type CodeDirectoryInput struct {
	Identifier   string
	TeamID       string
	Flags        CDFlag
	CodeLimit    int64
	HashKind     digest.Kind
	PageSize     int // 4096, log2 = 12
	CodeDigests  [][]byte
	SpecialSlots map[SlotType][]byte // e.g. SlotInfo, SlotRequirements, SlotResourceDir, SlotEntitlements, SlotEntitlementsDER, constraints

	IsExecutable   bool
	ExecSegBase    uint64
	ExecSegLimit   uint64
	ExecSegFlags   ExecSegFlag
	RuntimeVersion uint32 // 0 if absent (spec.md §4.3 step 6)
}

// maxSpecialSlot is the highest special-slot index this signer emits
// (spec.md's special slots: Info=1 .. LibraryConstraints=11).
const maxSpecialSlot = int(SlotLibraryConstraints)

// BuildCodeDirectory assembles one complete Code Directory blob, its
// own magic+length header included, following the layout
// of github.com/blacktop/go-macho's pkg/codesign/types/directory.go
// CodeDirectoryType, generalized to the full version-gated field set
// and variable special-slot table spec.md §4.3 describes.
func BuildCodeDirectory(in CodeDirectoryInput) []byte {
	hashSize := in.HashKind.Size()

	// version adjustment (step 11): start from the minimum and raise it
	// only for fields actually populated.
	version := versionBase
	if in.TeamID != "" {
		version = versionTeamID
	}
	if in.CodeLimit > 0xFFFFFFFF {
		version = versionLimit64
	}
	if in.IsExecutable {
		version = versionExecSeg
	}
	if in.RuntimeVersion != 0 {
		version = versionRuntime
	}

	fixedLen := fixedHeaderLen(version)

	// Special slots: find the highest populated index so NSpecialSlots
	// covers every slot up to and including it, per Apple's convention
	// that the special-slot table always runs contiguously from 1.
	maxSlot := 0
	for slot := range in.SpecialSlots {
		if int(slot) > maxSlot {
			maxSlot = int(slot)
		}
	}
	if maxSlot > maxSpecialSlot {
		maxSlot = maxSpecialSlot
	}
	nSpecialSlots := maxSlot

	identOffset := fixedLen
	identBytes := append([]byte(in.Identifier), 0)

	teamOffset := uint32(0)
	var teamBytes []byte
	cursor := identOffset + len(identBytes)
	if in.TeamID != "" {
		teamOffset = uint32(cursor)
		teamBytes = append([]byte(in.TeamID), 0)
		cursor += len(teamBytes)
	}

	hashOffset := cursor + nSpecialSlots*hashSize
	nCodeSlots := len(in.CodeDigests)
	totalLen := hashOffset + nCodeSlots*hashSize

	out := make([]byte, totalLen)
	putHeader(out, version, CDHeaderFields{
		Flags:          in.Flags,
		HashOffset:     uint32(hashOffset),
		IdentOffset:    uint32(identOffset),
		NSpecialSlots:  uint32(nSpecialSlots),
		NCodeSlots:     uint32(nCodeSlots),
		CodeLimit:      in.CodeLimit,
		HashSize:       uint8(hashSize),
		HashType:       in.HashKind.CsHashType(),
		PageSize:       uint8(log2(in.PageSize)),
		TeamOffset:     teamOffset,
		ExecSegBase:    in.ExecSegBase,
		ExecSegLimit:   in.ExecSegLimit,
		ExecSegFlags:   in.ExecSegFlags,
		RuntimeVersion: in.RuntimeVersion,
	})

	copy(out[identOffset:], identBytes)
	if teamBytes != nil {
		copy(out[int(teamOffset):], teamBytes)
	}

	for slot, h := range in.SpecialSlots {
		idx := int(slot)
		if idx < 1 || idx > nSpecialSlots {
			continue
		}
		// special slot i is stored at hashOffset - i*hashSize
		pos := hashOffset - idx*hashSize
		copy(out[pos:pos+hashSize], padOrTrunc(h, hashSize))
	}

	for i, h := range in.CodeDigests {
		pos := hashOffset + i*hashSize
		copy(out[pos:pos+hashSize], padOrTrunc(h, hashSize))
	}

	return out
}

func padOrTrunc(h []byte, size int) []byte {
	if len(h) == size {
		return h
	}
	out := make([]byte, size)
	copy(out, h)
	return out
}

func log2(n int) int {
	bits := 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}

// fixedHeaderLen returns the length of the fixed-layout portion of the
// Code Directory for a given compatibility version (spec.md §4.3 step
// 11: "newer fields are zeroed when not needed" — here, omitted from
// the fixed region entirely since our version never needs to exceed
// versionRuntime for this signer's feature set).
func fixedHeaderLen(v cdVersion) int {
	switch {
	case v >= versionLinkage:
		return 108
	case v >= versionRuntime:
		return 96
	case v >= versionExecSeg:
		return 88
	case v >= versionLimit64:
		return 64
	case v >= versionTeamID:
		return 52
	case v >= versionScatter:
		return 48
	default:
		return 44
	}
}

// CDHeaderFields is the subset of CodeDirectoryType's fields that vary
// per call; shared fixed fields (Magic, Length, Version, Flags,
// Spare2/3) are filled in by putHeader directly.
type CDHeaderFields struct {
	Flags          CDFlag
	HashOffset     uint32
	IdentOffset    uint32
	NSpecialSlots  uint32
	NCodeSlots     uint32
	CodeLimit      int64
	HashSize       uint8
	HashType       uint8
	PageSize       uint8
	TeamOffset     uint32
	ExecSegBase    uint64
	ExecSegLimit   uint64
	ExecSegFlags   ExecSegFlag
	RuntimeVersion uint32
}

func putHeader(out []byte, version cdVersion, f CDHeaderFields) {
	be := binary.BigEndian
	be.PutUint32(out[0:], uint32(MagicCodeDirectory))
	be.PutUint32(out[4:], uint32(len(out)))
	be.PutUint32(out[8:], uint32(version))
	be.PutUint32(out[12:], uint32(f.Flags))

	be.PutUint32(out[16:], f.HashOffset)
	be.PutUint32(out[20:], f.IdentOffset)
	be.PutUint32(out[24:], f.NSpecialSlots)
	be.PutUint32(out[28:], f.NCodeSlots)

	codeLimit32 := uint32(f.CodeLimit)
	if f.CodeLimit > 0xFFFFFFFF {
		codeLimit32 = 0
	}
	be.PutUint32(out[32:], codeLimit32)

	out[36] = f.HashSize
	out[37] = f.HashType
	out[38] = 0 // Platform
	out[39] = f.PageSize
	be.PutUint32(out[40:], 0) // Spare2

	if version < versionScatter || len(out) <= 44 {
		return
	}
	be.PutUint32(out[44:], 0) // ScatterOffset: unused

	if version < versionTeamID || len(out) <= 48 {
		return
	}
	be.PutUint32(out[48:], f.TeamOffset)

	if version < versionLimit64 || len(out) <= 56 {
		return
	}
	be.PutUint32(out[52:], 0) // Spare3
	if f.CodeLimit > 0xFFFFFFFF {
		be.PutUint64(out[56:], uint64(f.CodeLimit))
	} else {
		be.PutUint64(out[56:], 0)
	}

	if version < versionExecSeg || len(out) <= 88 {
		return
	}
	be.PutUint64(out[64:], f.ExecSegBase)
	be.PutUint64(out[72:], f.ExecSegLimit)
	be.PutUint64(out[80:], uint64(f.ExecSegFlags))

	if version < versionRuntime || len(out) <= 96 {
		return
	}
	be.PutUint32(out[88:], f.RuntimeVersion)
	be.PutUint32(out[92:], 0) // PreEncryptOffset: pre-encrypt hashes unsupported
}
