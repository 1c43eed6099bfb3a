// Package codesign reads an already-embedded SuperBlob back out of a
// Mach-O slice: the inverse of pkg/codesign/blob's Builder, used by
// machoverify and by this tool's own signing tests to confirm a
// freshly produced signature round-trips.
//
// The on-disk layout parsed here is exactly what
// pkg/codesign/blob.Builder and pkg/codesign/blob.BuildCodeDirectory
// write, so the two packages are kept in lock-step deliberately
// rather than sharing a struct: a reader only needs a fraction of a
// writer's bookkeeping.
package codesign

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/appsworld/go-macho-sign/pkg/codesign/blob"
	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
)

// CodeDirectory is a parsed Code Directory blob (spec.md §4.3),
// covering every version-gated field this tool itself writes.
type CodeDirectory struct {
	Version        uint32
	Flags          blob.CDFlag
	ID             string
	TeamID         string
	CDHash         string
	HashType       digest.Kind
	PageSize       int
	CodeLimit      int64
	ExecSegBase    uint64
	ExecSegLimit   uint64
	ExecSegFlags   blob.ExecSegFlag
	RuntimeVersion uint32

	CodeDigests        [][]byte
	SpecialSlotDigests map[blob.SlotType][]byte
}

// CodeSignature is the parsed contents of one LC_CODE_SIGNATURE's
// SuperBlob.
type CodeSignature struct {
	CodeDirectories []CodeDirectory

	Requirements    []byte
	Entitlements    string
	EntitlementsDER []byte
	CMS             []byte

	LaunchConstraintsSelf        []byte
	LaunchConstraintsParent      []byte
	LaunchConstraintsResponsible []byte
	LibraryConstraints           []byte

	// Errors collects per-slot problems that don't prevent parsing the
	// rest of the SuperBlob: an out-of-bounds index entry, a malformed
	// Code Directory, or (should Apple ever define one) a slot type
	// this reader doesn't yet know how to classify.
	Errors []string
}

// ParseCodeSignature parses the raw bytes of one LC_CODE_SIGNATURE's
// data (the SuperBlob header, index, and every blob it points to).
func ParseCodeSignature(cmddat []byte) (*CodeSignature, error) {
	if len(cmddat) < 12 {
		return nil, fmt.Errorf("codesign: SuperBlob too small (%d bytes)", len(cmddat))
	}
	be := binary.BigEndian

	magic := blob.Magic(be.Uint32(cmddat[0:]))
	if magic != blob.MagicEmbeddedSignature {
		return nil, fmt.Errorf("codesign: not a SuperBlob (magic %#x)", uint32(magic))
	}
	length := be.Uint32(cmddat[4:])
	if int(length) > len(cmddat) {
		return nil, fmt.Errorf("codesign: SuperBlob length %d exceeds buffer of %d bytes", length, len(cmddat))
	}
	count := be.Uint32(cmddat[8:])

	cs := &CodeSignature{}
	off := 12
	for i := uint32(0); i < count; i++ {
		if off+8 > len(cmddat) {
			return nil, fmt.Errorf("codesign: truncated blob index at entry %d", i)
		}
		slotType := blob.SlotType(be.Uint32(cmddat[off:]))
		slotOffset := be.Uint32(cmddat[off+4:])
		off += 8

		if int(slotOffset)+8 > len(cmddat) {
			cs.Errors = append(cs.Errors, fmt.Sprintf("slot %#x: offset %d out of bounds", uint32(slotType), slotOffset))
			continue
		}
		slotBytes := cmddat[slotOffset:]

		switch {
		case slotType == blob.SlotCodeDirectory,
			slotType >= blob.SlotAlternateCodeDirectories && slotType < blob.SlotSignature:
			cd, err := parseCodeDirectory(slotBytes)
			if err != nil {
				cs.Errors = append(cs.Errors, fmt.Sprintf("code directory at slot %#x: %v", uint32(slotType), err))
				continue
			}
			cs.CodeDirectories = append(cs.CodeDirectories, *cd)

		case slotType == blob.SlotRequirements:
			cs.Requirements = blobPayload(slotBytes)

		case slotType == blob.SlotEntitlements:
			cs.Entitlements = string(blobPayload(slotBytes))

		case slotType == blob.SlotEntitlementsDER:
			cs.EntitlementsDER = blobPayload(slotBytes)

		case slotType == blob.SlotLaunchConstraintsSelf:
			cs.LaunchConstraintsSelf = blobPayload(slotBytes)

		case slotType == blob.SlotLaunchConstraintsParent:
			cs.LaunchConstraintsParent = blobPayload(slotBytes)

		case slotType == blob.SlotLaunchConstraintsResponsible:
			cs.LaunchConstraintsResponsible = blobPayload(slotBytes)

		case slotType == blob.SlotLibraryConstraints:
			cs.LibraryConstraints = blobPayload(slotBytes)

		case slotType == blob.SlotSignature:
			cs.CMS = blobPayload(slotBytes)

		case slotType == blob.SlotInfo, slotType == blob.SlotResourceDir,
			slotType == blob.SlotApplication, slotType == blob.SlotRepSpecific:
			// present but not interpreted by this tool; a caller that
			// needs the raw bytes can re-slice cmddat at slotOffset.

		default:
			cs.Errors = append(cs.Errors, fmt.Sprintf("unrecognized slot type %#x", uint32(slotType)))
		}
	}

	return cs, nil
}

// parseCodeDirectory reads one Code Directory blob, mirroring the
// field layout pkg/codesign/blob.BuildCodeDirectory writes.
func parseCodeDirectory(data []byte) (*CodeDirectory, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("truncated code directory header (%d bytes)", len(data))
	}
	be := binary.BigEndian

	if m := blob.Magic(be.Uint32(data[0:])); m != blob.MagicCodeDirectory {
		return nil, fmt.Errorf("unexpected code directory magic %#x", uint32(m))
	}
	length := be.Uint32(data[4:])
	if int(length) > len(data) {
		return nil, fmt.Errorf("code directory length %d exceeds available %d bytes", length, len(data))
	}
	raw := data[:length]

	version := be.Uint32(raw[8:])
	flags := blob.CDFlag(be.Uint32(raw[12:]))
	hashOffset := be.Uint32(raw[16:])
	identOffset := be.Uint32(raw[20:])
	nSpecialSlots := be.Uint32(raw[24:])
	nCodeSlots := be.Uint32(raw[28:])
	codeLimit := int64(be.Uint32(raw[32:]))
	hashSize := int(raw[36])
	hashType := raw[37]
	pageLog2 := raw[39]
	pageSize := 0
	if pageLog2 > 0 {
		pageSize = 1 << pageLog2
	}

	var teamOffset uint32
	var execSegBase, execSegLimit uint64
	var execSegFlags blob.ExecSegFlag
	var runtimeVersion uint32

	if version >= 0x20200 && len(raw) >= 52 {
		teamOffset = be.Uint32(raw[48:])
	}
	if version >= 0x20300 && len(raw) >= 64 {
		if cl64 := be.Uint64(raw[56:]); cl64 != 0 {
			codeLimit = int64(cl64)
		}
	}
	if version >= 0x20400 && len(raw) >= 88 {
		execSegBase = be.Uint64(raw[64:])
		execSegLimit = be.Uint64(raw[72:])
		execSegFlags = blob.ExecSegFlag(be.Uint64(raw[80:]))
	}
	if version >= 0x20500 && len(raw) >= 96 {
		runtimeVersion = be.Uint32(raw[88:])
	}

	k, ok := digest.KindFromCsHashType(hashType)
	if !ok {
		k = digest.SHA256
	}

	cd := &CodeDirectory{
		Version:        version,
		Flags:          flags,
		ID:             cString(raw, int(identOffset)),
		CDHash:         hex.EncodeToString(digest.Sum(raw, k)),
		HashType:       k,
		PageSize:       pageSize,
		CodeLimit:      codeLimit,
		ExecSegBase:    execSegBase,
		ExecSegLimit:   execSegLimit,
		ExecSegFlags:   execSegFlags,
		RuntimeVersion: runtimeVersion,
	}
	if teamOffset != 0 {
		cd.TeamID = cString(raw, int(teamOffset))
	}

	for i := 0; i < int(nCodeSlots); i++ {
		pos := int(hashOffset) + i*hashSize
		if pos+hashSize > len(raw) {
			break
		}
		cd.CodeDigests = append(cd.CodeDigests, append([]byte(nil), raw[pos:pos+hashSize]...))
	}
	if nSpecialSlots > 0 {
		cd.SpecialSlotDigests = make(map[blob.SlotType][]byte, nSpecialSlots)
		for i := 1; i <= int(nSpecialSlots); i++ {
			pos := int(hashOffset) - i*hashSize
			if pos < 0 || pos+hashSize > len(raw) {
				continue
			}
			cd.SpecialSlotDigests[blob.SlotType(i)] = append([]byte(nil), raw[pos:pos+hashSize]...)
		}
	}

	return cd, nil
}

// blobPayload strips a (magic, length) blob header, clamping to the
// blob's own declared length rather than trusting the caller's slice
// to end exactly there.
func blobPayload(data []byte) []byte {
	if len(data) < 8 {
		return nil
	}
	length := binary.BigEndian.Uint32(data[4:])
	if int(length) > len(data) {
		length = uint32(len(data))
	}
	if length < 8 {
		return nil
	}
	return append([]byte(nil), data[8:length]...)
}

func cString(data []byte, offset int) string {
	if offset <= 0 || offset >= len(data) {
		return ""
	}
	end := offset
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}
