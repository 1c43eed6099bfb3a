package sign

import (
	"time"

	"github.com/appsworld/go-macho-sign/pkg/codesign/blob"
	"github.com/appsworld/go-macho-sign/pkg/codesign/cms"
	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
	"github.com/appsworld/go-macho-sign/pkg/codesign/identity"
	"github.com/appsworld/go-macho-sign/types"
)

// DesignatedRequirementMode selects how the Requirement Set's
// designated requirement is produced (spec.md §3).
type DesignatedRequirementMode int

const (
	Auto DesignatedRequirementMode = iota
	Explicit
)

// Settings is the configuration object of spec.md §3's
// SigningSettings, realized as a plain struct: each `option<T>` is a
// Go zero-value-means-absent field.
type Settings struct {
	Identifier string // required
	TeamID     string

	DigestType   digest.Kind // default SHA256 if zero
	ExtraDigests []digest.Kind

	Identity      *identity.Identity
	CMSSigner     cms.Signer // defaults to cms.X509Signer{} when Identity is set, cms.NullSigner{} otherwise
	TimestampURL  string // only enlarges the size estimate; no timestamp token is requested or embedded
	SigningTime   time.Time

	Flags          blob.CDFlag
	RuntimeVersion uint32 // encoded platform version; 0 if absent

	InfoPlistBytes      []byte
	CodeResourcesBytes  []byte
	EntitlementsXML     string
	EntitlementsDEROnly bool // when true, derive the DER entitlements blob from EntitlementsXML but omit the XML blob itself
	EntitlementsPlist   map[string]any

	LaunchConstraintsSelf        []byte
	LaunchConstraintsParent      []byte
	LaunchConstraintsResponsible []byte
	LibraryConstraints           []byte

	DesignatedRequirementMode   DesignatedRequirementMode
	ExplicitDesignatedRequirements [][]byte

	// PerArchitecture overrides a field of Settings for one CPU type
	// (spec.md §4.5 step 1: "Specialize settings to the slice's CPU
	// type"). Nil means no per-arch specialization.
	PerArchitecture func(cpu types.CPU, base Settings) Settings
}

// digestKind returns settings.DigestType, defaulting to SHA256.
func (s Settings) digestKind() digest.Kind {
	if s.DigestType == 0 {
		return digest.SHA256
	}
	return s.DigestType
}

// specialize returns settings adjusted for cpu, applying
// PerArchitecture if set.
func (s Settings) specialize(cpu types.CPU) Settings {
	if s.PerArchitecture == nil {
		return s
	}
	return s.PerArchitecture(cpu, s)
}
