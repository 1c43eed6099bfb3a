package blob

import "github.com/appsworld/go-macho-sign/pkg/codesign/digest"

// Special is one constructed special blob: its slot, its serialized
// Blob (for SuperBlob inclusion when the slot is actually embedded),
// and the digest that goes into the Code Directory's special-slot
// table regardless of whether the blob itself is embedded (Info and
// ResourceDir are digest-only per spec.md §4.3 step 10).
type Special struct {
	Slot   SlotType
	Blob   *Blob // nil when the slot is digest-only (Info, ResourceDir)
	Digest []byte
}

// BuildRequirementSet always emits a Requirement Set blob, even when
// empty (spec.md §4.4).
func BuildRequirementSet(payload []byte, kind digest.Kind) Special {
	b := NewBlob(SlotRequirements, MagicRequirements, payload)
	return Special{Slot: SlotRequirements, Blob: &b, Digest: digest.Sum(b.Bytes, kind)}
}

// BuildEntitlements emits the XML entitlements blob when xml is
// non-empty.
func BuildEntitlements(xml []byte, kind digest.Kind) *Special {
	if len(xml) == 0 {
		return nil
	}
	b := NewBlob(SlotEntitlements, MagicEmbeddedEntitlements, xml)
	return &Special{Slot: SlotEntitlements, Blob: &b, Digest: digest.Sum(b.Bytes, kind)}
}

// BuildEntitlementsDER emits the DER-encoded entitlements blob, only
// valid when the binary is MH_EXECUTE (spec.md §4.4).
func BuildEntitlementsDER(der []byte, isExecutable bool, kind digest.Kind) *Special {
	if len(der) == 0 || !isExecutable {
		return nil
	}
	b := NewBlob(SlotEntitlementsDER, MagicEmbeddedEntitlementsDER, der)
	return &Special{Slot: SlotEntitlementsDER, Blob: &b, Digest: digest.Sum(b.Bytes, kind)}
}

// BuildConstraint wraps caller-provided encoded constraint bytes in a
// Constraints DER blob at slot.
func BuildConstraint(slot SlotType, encoded []byte, kind digest.Kind) *Special {
	if len(encoded) == 0 {
		return nil
	}
	b := NewBlob(slot, MagicEmbeddedLaunchConstraint, encoded)
	return &Special{Slot: slot, Blob: &b, Digest: digest.Sum(b.Bytes, kind)}
}

// DigestOnly produces a Special whose Info/ResourceDir bytes are
// hashed into the Code Directory without ever being embedded in the
// SuperBlob (spec.md §4.3 step 10: "hash info_plist_bytes -> Info
// slot; hash code_resources_bytes -> ResourceDir slot").
func DigestOnly(slot SlotType, raw []byte, kind digest.Kind) *Special {
	if len(raw) == 0 {
		return nil
	}
	return &Special{Slot: slot, Digest: digest.Sum(raw, kind)}
}
