// Package identity loads a signing identity (private key + leaf
// certificate + chain) for pkg/codesign/cms.X509Signer.
//
// No pack repo loads a signing identity from a file, so there is no
// in-pack grounding for this concern beyond the general
// crypto/x509 familiarity github.com/blacktop/go-macho's own
// pkg/codesign/types/entitlement.go already shows. This package uses
// golang.org/x/crypto/pkcs12, an ecosystem (out-of-pack) dependency,
// named explicitly per DESIGN.md's no-fabrication rule: PKCS#12 is the
// ordinary shape a signing certificate + private key bundle ships in.
package identity

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// Identity is a signing credential: a private key plus the leaf
// certificate and any intermediate chain (spec.md §3's
// `signing_identity: option<(private_key, certificate, chain[])>`).
type Identity struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// LoadPKCS12 decodes a .p12/.pfx bundle into an Identity.
func LoadPKCS12(data []byte, password string) (*Identity, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("identity: decode pkcs12: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("identity: pkcs12 private key does not implement crypto.Signer")
	}
	return &Identity{PrivateKey: signer, Certificate: cert, Chain: caCerts}, nil
}

// CommonName returns the leaf certificate's subject CN, used by
// pkg/codesign/requirement's designated-requirement derivation.
func (id *Identity) CommonName() string {
	if id == nil || id.Certificate == nil {
		return ""
	}
	return id.Certificate.Subject.CommonName
}

// IsAppleIssued reports whether the leaf certificate's issuer
// organization is exactly "Apple Inc.", the heuristic spec.md §4.3 step 8 uses
// to decide whether a present team ID is worth a warning.
func (id *Identity) IsAppleIssued() bool {
	if id == nil || id.Certificate == nil {
		return false
	}
	for _, org := range id.Certificate.Issuer.Organization {
		if org == "Apple Inc." {
			return true
		}
	}
	return false
}
