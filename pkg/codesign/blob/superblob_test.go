package blob

import (
	"encoding/binary"
	"testing"
)

func TestBuilderBuildCanonicalOrderAndSignatureLast(t *testing.T) {
	b := NewBuilder()
	if err := b.AddCodeDirectory([]byte("primary-cd")); err != nil {
		t.Fatal(err)
	}
	if err := b.AddAlternateCodeDirectory([]byte("alt-cd-1")); err != nil {
		t.Fatal(err)
	}
	if err := b.AddBlob(NewBlob(SlotRequirements, MagicRequirements, nil)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddBlob(NewBlob(SlotEntitlements, MagicEmbeddedEntitlements, []byte("<plist/>"))); err != nil {
		t.Fatal(err)
	}
	b.SetSignature([]byte("cms-bytes"))

	out, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.BigEndian.Uint32(out[0:]); got != uint32(MagicEmbeddedSignature) {
		t.Errorf("superblob magic = %#x, want %#x", got, uint32(MagicEmbeddedSignature))
	}
	if got := binary.BigEndian.Uint32(out[4:]); int(got) != len(out) {
		t.Errorf("superblob length field = %d, want %d", got, len(out))
	}

	count := int(binary.BigEndian.Uint32(out[8:]))
	if count != 5 {
		t.Fatalf("blob count = %d, want 5 (cd, alt-cd, requirements, entitlements, signature)", count)
	}

	var slots []SlotType
	for i := 0; i < count; i++ {
		idxOff := 12 + i*8
		slots = append(slots, SlotType(binary.BigEndian.Uint32(out[idxOff:])))
	}

	if slots[0] != SlotCodeDirectory {
		t.Errorf("first slot = %v, want SlotCodeDirectory", slots[0])
	}
	if slots[len(slots)-1] != SlotSignature {
		t.Errorf("last slot = %v, want SlotSignature", slots[len(slots)-1])
	}
	if slots[1] != SlotRequirements {
		t.Errorf("second slot = %v, want SlotRequirements (before entitlements in canonical order)", slots[1])
	}
}

func TestBuilderDuplicateSlotRejected(t *testing.T) {
	b := NewBuilder()
	if err := b.AddCodeDirectory([]byte("cd")); err != nil {
		t.Fatal(err)
	}
	if err := b.AddCodeDirectory([]byte("cd-again")); err == nil {
		t.Fatal("expected error adding duplicate SlotCodeDirectory, got nil")
	}
}

func TestBuilderBuildWithoutSignatureIsAdhoc(t *testing.T) {
	b := NewBuilder()
	if err := b.AddCodeDirectory([]byte("cd")); err != nil {
		t.Fatal(err)
	}
	out, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	count := int(binary.BigEndian.Uint32(out[8:]))
	if count != 2 {
		t.Fatalf("blob count = %d, want 2 (cd + empty signature)", count)
	}
}
