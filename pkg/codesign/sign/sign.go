// Package sign implements the signing orchestrator (spec.md §4.5): the
// two-pass rewrite that breaks the circular dependency between a
// Mach-O's load commands (which must record the signature's final
// size and offset) and the Code Directory (whose digests cover those
// same load commands).
//
// A direct structural port of
// original_source/apple-codesign/src/macho_signing.rs's MachOSigner,
// wired onto pkg/codesign/image, pkg/codesign/rewrite,
// pkg/codesign/blob, pkg/codesign/requirement,
// pkg/codesign/entitlements and pkg/codesign/cms in place of that
// file's goblin-based structures.
package sign

import (
	"context"
	"crypto"
	"fmt"

	"github.com/appsworld/go-macho-sign/pkg/codesign/blob"
	"github.com/appsworld/go-macho-sign/pkg/codesign/cms"
	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
	"github.com/appsworld/go-macho-sign/pkg/codesign/entitlements"
	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
	"github.com/appsworld/go-macho-sign/pkg/codesign/requirement"
	"github.com/appsworld/go-macho-sign/pkg/codesign/rewrite"
)

// hashAlg maps a Code Directory digest.Kind to the crypto.Hash the
// CMS signer needs to identify its signature algorithm.
func hashAlg(k digest.Kind) crypto.Hash {
	switch k {
	case digest.SHA1:
		return crypto.SHA1
	case digest.SHA384:
		return crypto.SHA384
	case digest.SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Signer signs thin Mach-O slices (SignSlice) and universal binaries
// (SignBinary, which splits them and signs each slice in turn).
type Signer struct {
	Settings Settings

	// testReservationAdjust perturbs estimateSignatureSize's result;
	// only sign_test.go sets this, to force the SignatureDataTooLarge
	// path (spec.md §8 scenario 6) without needing an adversarially
	// constructed Settings value.
	testReservationAdjust int64
}

// New validates settings and returns a ready Signer.
func New(settings Settings) (*Signer, error) {
	if settings.Identifier == "" {
		return nil, ErrNoIdentifier
	}
	return &Signer{Settings: settings}, nil
}

// SignSlice runs the full two-pass rewrite over one Mach-O slice and
// returns the final signed buffer (spec.md §4.5).
func (s *Signer) SignSlice(ctx context.Context, data []byte) ([]byte, error) {
	img, err := image.Parse(data)
	if err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}
	if img.Linkedit() == nil {
		return nil, ErrMissingLinkedit
	}
	if err := img.VerifySignatureAtLinkeditEnd(); err != nil {
		return nil, &UnsupportedBinaryError{Reason: err.Error()}
	}

	settings := s.Settings.specialize(img.CPU)

	codeLimitOffset, err := img.CodeLimitOffset()
	if err != nil {
		return nil, err
	}

	reservation := estimateSignatureSize(codeLimitOffset, settings) + s.testReservationAdjust

	placeholder := make([]byte, reservation)
	intermediateData, err := rewrite.Rewrite(img, placeholder)
	if err != nil {
		return nil, err
	}

	intermediate, err := image.Parse(intermediateData)
	if err != nil {
		return nil, &ParseError{Detail: "re-parsing intermediate Mach-O: " + err.Error()}
	}

	signatureData, err := s.createSuperblob(ctx, settings, intermediate)
	if err != nil {
		return nil, err
	}

	switch {
	case int64(len(signatureData)) > reservation:
		return nil, ErrSignatureDataTooLarge
	case int64(len(signatureData)) < reservation:
		signatureData = append(signatureData, make([]byte, reservation-int64(len(signatureData)))...)
	}

	return rewrite.Rewrite(intermediate, signatureData)
}

// createSuperblob assembles the SuperBlob bytes over an intermediate
// image whose load commands already reflect the final signature size
// (spec.md §4.2's create_superblob).
func (s *Signer) createSuperblob(ctx context.Context, settings Settings, img *image.Image) ([]byte, error) {
	builder := blob.NewBuilder()
	kind := settings.digestKind()
	isExec := img.IsExecutable()

	for _, special := range s.createSpecialBlobs(settings, isExec) {
		if special.Blob != nil {
			if err := builder.AddBlob(*special.Blob); err != nil {
				return nil, err
			}
		}
	}

	cd, err := s.createCodeDirectory(settings, img, kind)
	if err != nil {
		return nil, err
	}
	// BuildCodeDirectory returns a whole blob; the builder supplies the
	// 8-byte magic+length header itself, so hand it only the body.
	if err := builder.AddCodeDirectory(cd[8:]); err != nil {
		return nil, err
	}

	for _, extraKind := range settings.ExtraDigests {
		altSettings := settings
		altSettings.DigestType = extraKind
		altCD, err := s.createCodeDirectory(altSettings, img, extraKind)
		if err != nil {
			return nil, err
		}
		if err := builder.AddAlternateCodeDirectory(altCD[8:]); err != nil {
			return nil, err
		}
	}

	cdDigest := digest.Sum(cd, kind)

	if settings.Identity != nil {
		signer := settings.CMSSigner
		if signer == nil {
			signer = cms.X509Signer{}
		}
		sig, err := signer.Sign(ctx, cdDigest, cms.SignOptions{
			PrivateKey:  settings.Identity.PrivateKey,
			Certificate: settings.Identity.Certificate,
			Chain:       settings.Identity.Chain,
			SigningTime: settings.SigningTime,
			DigestAlg:   hashAlg(kind),
		})
		if err != nil {
			return nil, fmt.Errorf("sign: cms signing: %w", err)
		}
		builder.SetSignature(sig)
	} else {
		builder.SetSignature(nil)
	}

	return builder.Build()
}

// createSpecialBlobs mirrors MachOSigner::create_special_blobs: the
// Requirement Set (always present), Info/ResourceDir digests, and any
// entitlements/constraints the settings carry (spec.md §4.4).
func (s *Signer) createSpecialBlobs(settings Settings, isExecutable bool) []blob.Special {
	var out []blob.Special
	kind := settings.digestKind()

	out = append(out, s.createRequirementSet(settings, kind))

	if sp := blob.DigestOnly(blob.SlotInfo, settings.InfoPlistBytes, kind); sp != nil {
		out = append(out, *sp)
	}
	if sp := blob.DigestOnly(blob.SlotResourceDir, settings.CodeResourcesBytes, kind); sp != nil {
		out = append(out, *sp)
	}
	if settings.EntitlementsXML != "" {
		if !settings.EntitlementsDEROnly {
			if sp := blob.BuildEntitlements([]byte(settings.EntitlementsXML), kind); sp != nil {
				out = append(out, *sp)
			}
		}
		if der, err := entitlements.DerEncode(settings.EntitlementsXML); err == nil {
			if sp := blob.BuildEntitlementsDER(der, isExecutable, kind); sp != nil {
				out = append(out, *sp)
			}
		}
	}
	if sp := blob.BuildConstraint(blob.SlotLaunchConstraintsSelf, settings.LaunchConstraintsSelf, kind); sp != nil {
		out = append(out, *sp)
	}
	if sp := blob.BuildConstraint(blob.SlotLaunchConstraintsParent, settings.LaunchConstraintsParent, kind); sp != nil {
		out = append(out, *sp)
	}
	if sp := blob.BuildConstraint(blob.SlotLaunchConstraintsResponsible, settings.LaunchConstraintsResponsible, kind); sp != nil {
		out = append(out, *sp)
	}
	if sp := blob.BuildConstraint(blob.SlotLibraryConstraints, settings.LibraryConstraints, kind); sp != nil {
		out = append(out, *sp)
	}

	return out
}

// createRequirementSet derives or accepts the designated requirement
// (spec.md §4.4's Auto/Explicit modes).
func (s *Signer) createRequirementSet(settings Settings, kind digest.Kind) blob.Special {
	// The requirement package returns whole Requirement Set blobs;
	// BuildRequirementSet supplies the 8-byte magic+length header
	// itself, so it is handed only what follows that header.
	switch settings.DesignatedRequirementMode {
	case Explicit:
		if len(settings.ExplicitDesignatedRequirements) > 0 {
			payload := requirement.WrapExplicit(settings.ExplicitDesignatedRequirements[0])
			return blob.BuildRequirementSet(payload[8:], kind)
		}
	}

	cn := ""
	if settings.Identity != nil {
		cn = settings.Identity.CommonName()
	}
	if cn == "" && settings.Identity == nil {
		return blob.BuildRequirementSet(requirement.EmptySet()[8:], kind)
	}
	payload := requirement.DeriveDesignatedRequirement(settings.Identifier, cn)
	return blob.BuildRequirementSet(payload[8:], kind)
}

// createCodeDirectory assembles one Code Directory for a given digest
// kind (spec.md §4.3).
func (s *Signer) createCodeDirectory(settings Settings, img *image.Image, kind digest.Kind) ([]byte, error) {
	codeLimit, err := img.CodeLimitOffset()
	if err != nil {
		return nil, err
	}

	codeDigests := digest.HashPages(img.Data, codeLimit, kind)

	specialSlots := make(map[blob.SlotType][]byte)
	for _, special := range s.createSpecialBlobs(settings, img.IsExecutable()) {
		specialSlots[special.Slot] = special.Digest
	}

	flags := settings.Flags
	if settings.Identity == nil {
		flags |= blob.FlagAdhoc
	}

	in := blob.CodeDirectoryInput{
		Identifier:     settings.Identifier,
		TeamID:         settings.TeamID,
		Flags:          flags,
		CodeLimit:      codeLimit,
		HashKind:       kind,
		PageSize:       digest.PageSize,
		CodeDigests:    codeDigests,
		SpecialSlots:   specialSlots,
		IsExecutable:   img.IsExecutable(),
		RuntimeVersion: settings.RuntimeVersion,
	}

	if seg := img.ExecSegment(); seg != nil && img.IsExecutable() {
		in.ExecSegBase = seg.Fileoff
		in.ExecSegLimit = seg.Filesize
		in.ExecSegFlags = blob.ExecSegMainBinary
		if settings.EntitlementsPlist != nil {
			in.ExecSegFlags |= entitlements.ExecSegFlags(settings.EntitlementsPlist)
		}
	}

	return blob.BuildCodeDirectory(in), nil
}
