package blob

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Builder accumulates (slot, blob) entries and finalizes them into a
// SuperBlob (spec.md §4.2).
type Builder struct {
	entries   map[SlotType]Blob
	altCount  int
	signature []byte // nil until SetSignature is called
	sigSet    bool
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[SlotType]Blob)}
}

// AddBlob stores blob for later emission at its own slot. Duplicate
// slots are rejected.
func (b *Builder) AddBlob(blob Blob) error {
	if _, exists := b.entries[blob.Slot]; exists {
		return fmt.Errorf("blob: duplicate slot %d", blob.Slot)
	}
	b.entries[blob.Slot] = blob
	return nil
}

// AddCodeDirectory stores the primary Code Directory.
func (b *Builder) AddCodeDirectory(payload []byte) error {
	return b.AddBlob(NewBlob(SlotCodeDirectory, MagicCodeDirectory, payload))
}

// AddAlternateCodeDirectory appends an alternate-digest Code Directory,
// assigning it the next available alternate slot.
func (b *Builder) AddAlternateCodeDirectory(payload []byte) error {
	slot := SlotAlternateCodeDirectories + SlotType(b.altCount)
	b.altCount++
	return b.AddBlob(NewBlob(slot, MagicCodeDirectory, payload))
}

// SetSignature installs the CMS SignedData bytes (spec.md's
// create_cms_signature), or an empty slice for ad-hoc signing
// (create_empty_cms_signature). Either way the Signature slot is
// always present and sorts last.
func (b *Builder) SetSignature(cms []byte) {
	b.signature = cms
	b.sigSet = true
}

// Build serializes all accumulated members in canonical slot order
// (spec.md §6) and returns the finalized SuperBlob bytes.
func (b *Builder) Build() ([]byte, error) {
	if !b.sigSet {
		b.SetSignature(nil) // ad-hoc: empty Signature blob
	}

	sigBlob := NewBlob(SlotSignature, MagicBlobWrapper, b.signature)
	all := make([]Blob, 0, len(b.entries)+1)
	for _, blob := range b.entries {
		all = append(all, blob)
	}
	all = append(all, sigBlob)

	sort.Slice(all, func(i, j int) bool {
		return slotRank(all[i].Slot) < slotRank(all[j].Slot)
	})

	count := len(all)
	const superBlobHeaderSize = 12
	const blobIndexEntrySize = 8

	totalLen := superBlobHeaderSize + count*blobIndexEntrySize
	offsets := make([]int, count)
	for i, blob := range all {
		offsets[i] = totalLen
		totalLen += len(blob.Bytes)
	}

	out := make([]byte, totalLen)
	binary.BigEndian.PutUint32(out[0:], uint32(MagicEmbeddedSignature))
	binary.BigEndian.PutUint32(out[4:], uint32(totalLen))
	binary.BigEndian.PutUint32(out[8:], uint32(count))

	idxOff := superBlobHeaderSize
	for i, blob := range all {
		binary.BigEndian.PutUint32(out[idxOff:], uint32(blob.Slot))
		binary.BigEndian.PutUint32(out[idxOff+4:], uint32(offsets[i]))
		idxOff += blobIndexEntrySize
	}

	for i, blob := range all {
		copy(out[offsets[i]:], blob.Bytes)
	}

	return out, nil
}
