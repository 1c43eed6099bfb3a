// Package requirement builds and serializes code-requirement
// expressions (spec.md §4.4's Requirement Set, and the designated
// requirement derived from a signing certificate).
//
// The opcode vocabulary is grounded on
// github.com/blacktop/go-macho's pkg/codesign/types/requirement.go,
// which only implements the parser direction; this package adds the
// builder direction original_source/apple-codesign/src/macho_signing.rs
// needs to synthesize a designated requirement from a certificate and
// identifier when no explicit requirement is supplied.
package requirement

import "encoding/binary"

// exprOp mirrors the teacher's parser-side opcode enum.
type exprOp uint32

const (
	opFalse exprOp = iota
	opTrue
	opIdent
	opAppleAnchor
	opAnchorHash
	opInfoKeyValue
	opAnd
	opOr
	opCDHash
	opNot
	opInfoKeyField
	opCertField
	opTrustedCert
	opTrustedCerts
	opCertGeneric
	opAppleGenericAnchor
	opEntitlementField
	opCertPolicy
	opNamedAnchor
	opNamedCode
)

const requirementMagic = 0xfade0c00
const requirementsMagic = 0xfade0c01

// RequirementType mirrors CSSLOT_REQUIREMENTS' internal requirement
// type tags.
type RequirementType uint32

const (
	TypeHost         RequirementType = 1
	TypeGuest        RequirementType = 2
	TypeDesignated   RequirementType = 3
	TypeLibrary      RequirementType = 4
	TypePlugin       RequirementType = 5
)

func putOp(buf []byte, op exprOp) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(op))
	return append(buf, tmp[:]...)
}

func putData(buf []byte, data []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(data)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, data...)
	if pad := len(data) % 4; pad != 0 {
		buf = append(buf, make([]byte, 4-pad)...)
	}
	return buf
}

// DeriveDesignatedRequirement synthesizes `anchor apple generic and
// certificate leaf[subject.CN] = "cn" and identifier "id"`-shaped
// expression bytes from a leaf certificate's common name and the
// binary's identifier, the common fallback designated requirement
// shape Apple's own codesign emits for ad-hoc-adjacent identities.
// cn may be empty, in which case only the identifier and Apple anchor
// are asserted.
func DeriveDesignatedRequirement(identifier, commonName string) []byte {
	var expr []byte
	expr = putOp(expr, opAnd)
	expr = putOp(expr, opIdent)
	expr = putData(expr, []byte(identifier))
	if commonName != "" {
		expr = putOp(expr, opAnd)
		expr = putOp(expr, opAppleGenericAnchor)
		certField := putOp(nil, opCertField)
		certField = putOp(certField, 0) // leaf (cert index 0)
		certField = putData(certField, []byte("subject.CN"))
		certField = putOp(certField, 1) // match: equal
		certField = putData(certField, []byte(commonName))
		expr = append(expr, certField...)
	} else {
		expr = putOp(expr, opAppleGenericAnchor)
	}
	return wrapSingle(TypeDesignated, expr)
}

// wrapSingle wraps a single requirement expression in the Requirements
// blob the way a one-element RequirementSet is encoded: an outer
// Requirements (magic 0xfade0c01) blob with a one-entry index pointing
// at an inner Requirement (magic 0xfade0c00) blob.
func wrapSingle(kind RequirementType, expr []byte) []byte {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:], requirementMagic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(12+len(expr)))
	binary.BigEndian.PutUint32(hdr[8:], 0) // kind (unused by the expression interpreter we target)
	reqBlob := append(hdr, expr...)

	out := make([]byte, 0, 12+8+len(reqBlob))
	outHdr := make([]byte, 12)
	binary.BigEndian.PutUint32(outHdr[0:], requirementsMagic)
	binary.BigEndian.PutUint32(outHdr[4:], uint32(12+8+len(reqBlob)))
	binary.BigEndian.PutUint32(outHdr[8:], 1) // count
	out = append(out, outHdr...)
	idx := make([]byte, 8)
	binary.BigEndian.PutUint32(idx[0:], uint32(kind))
	binary.BigEndian.PutUint32(idx[4:], uint32(len(outHdr)+len(idx)))
	out = append(out, idx...)
	out = append(out, reqBlob...)
	return out
}

// EmptySet returns the bytes of a Requirement Set with zero entries
// (spec.md §4.4: "always emitted, even empty").
func EmptySet() []byte {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:], requirementsMagic)
	binary.BigEndian.PutUint32(hdr[4:], 12)
	binary.BigEndian.PutUint32(hdr[8:], 0)
	return hdr
}

// WrapExplicit wraps a caller-supplied, already-encoded requirement
// expression for RequirementType::Designated (spec.md §4.4's Explicit
// mode: "parse each provided expression byte string").
func WrapExplicit(expr []byte) []byte {
	return wrapSingle(TypeDesignated, expr)
}
