package sign

import (
	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
)

// estimateSignatureSize implements spec.md §4.6's conservative
// reservation formula, a direct port of
// original_source/apple-codesign/src/macho_signing.rs's
// estimate_embedded_signature_size.
func estimateSignatureSize(codeLimitOffset int64, settings Settings) int64 {
	size := int64(1024 * (1 + len(settings.ExtraDigests)))

	size += codeDigestsSize(codeLimitOffset, settings.digestKind())
	for _, d := range settings.ExtraDigests {
		size += codeDigestsSize(codeLimitOffset, d)
	}

	for _, blobLen := range specialBlobSizesForEstimate(settings) {
		size += blobLen
	}

	size += 4096 // CMS fixed overhead
	if settings.Identity != nil {
		size += int64(len(settings.Identity.Certificate.Raw))
		for _, c := range settings.Identity.Chain {
			size += int64(len(c.Raw))
		}
	}
	if settings.TimestampURL != "" {
		size += 8192
	}

	if r := size % 1024; r != 0 {
		size += 1024 - r
	}
	return size
}

func codeDigestsSize(codeLimitOffset int64, k digest.Kind) int64 {
	return int64(digest.PageCount(codeLimitOffset, digest.PageSize) * k.Size())
}

// specialBlobSizesForEstimate mirrors create_special_blobs' output
// sizes for the purpose of the size estimate, without actually
// building certificate-dependent content (spec.md §4.6: "for blob in
// create_special_blobs(settings, is_executable=true)").
func specialBlobSizesForEstimate(settings Settings) []int64 {
	var sizes []int64

	// Requirement Set: always present, even empty (12 bytes header,
	// more if a designated requirement is derived or supplied).
	sizes = append(sizes, 256)

	if settings.EntitlementsXML != "" {
		sizes = append(sizes, int64(8+len(settings.EntitlementsXML)))
	}
	if settings.EntitlementsPlist != nil {
		sizes = append(sizes, int64(8+64*len(settings.EntitlementsPlist)))
	}
	if len(settings.LaunchConstraintsSelf) > 0 {
		sizes = append(sizes, int64(8+len(settings.LaunchConstraintsSelf)))
	}
	if len(settings.LaunchConstraintsParent) > 0 {
		sizes = append(sizes, int64(8+len(settings.LaunchConstraintsParent)))
	}
	if len(settings.LaunchConstraintsResponsible) > 0 {
		sizes = append(sizes, int64(8+len(settings.LaunchConstraintsResponsible)))
	}
	if len(settings.LibraryConstraints) > 0 {
		sizes = append(sizes, int64(8+len(settings.LibraryConstraints)))
	}

	return sizes
}
