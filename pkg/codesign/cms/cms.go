// Package cms implements the CMS SignedData signing oracle spec.md
// §4.2/§4.7 describes as an injected capability: the signer never
// opens a network socket or touches a private key directly, it calls
// a Signer.
//
// No CMS/PKCS7 library exists anywhere in the example pack (grepped
// "pkcs7|cms|rfc5652" across every .go file and go.mod under
// _examples/ — no hits). This package is built directly on
// crypto/x509 and encoding/asn1, the same primitives
// github.com/blacktop/go-macho's own
// pkg/codesign/types/entitlement.go already reaches for when it needs
// ASN.1 — a declared stdlib choice, not an oversight; see DESIGN.md.
//
// The SignerInfo's authenticated attributes carry a random nonce
// (github.com/google/uuid) alongside the usual content-type,
// message-digest, and signing-time attributes, so the signed-attribute
// digest differs on every signing pass even over an identical Code
// Directory.
package cms

import (
	"context"
	"crypto"
	"crypto/rand"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignOptions carries everything a Signer needs to produce a
// RFC 5652 SignedData over a Code Directory digest.
type SignOptions struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	SigningTime time.Time
	DigestAlg   crypto.Hash
}

// Signer produces a CMS SignedData blob signing digest. Implementations
// may be backed by an HSM or a network-resident key; the call is
// modeled as a suspendable operation (spec.md §5).
type Signer interface {
	Sign(ctx context.Context, digest []byte, opts SignOptions) ([]byte, error)
}

// NullSigner implements create_empty_cms_signature: it always returns
// an empty slice, the normal path for ad-hoc signing (spec.md §4.2).
type NullSigner struct{}

func (NullSigner) Sign(context.Context, []byte, SignOptions) ([]byte, error) {
	return nil, nil
}

// X509Signer is the default identity-backed Signer: it builds a
// minimal RFC 5652 SignedData with one SignerInfo over the supplied
// digest, attaching the certificate chain.
type X509Signer struct{}

// asn1 structures for a minimal SignedData (RFC 5652 §5).
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber asn1.RawValue
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerialNumber
	DigestAlgorithm           algorithmIdentifier
	AuthenticatedAttributes   []attribute `asn1:"optional,tag:0,implicit"`
	DigestEncryptionAlgorithm algorithmIdentifier
	EncryptedDigest           []byte
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

var oidData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
var oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

// PKCS#9 authenticated-attribute OIDs (RFC 2985 §5.4).
var (
	oidAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidAttrSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidAttrRandomNonce   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 25, 3}
)

func hashOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	case crypto.SHA384:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	case crypto.SHA512:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	default:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1} // SHA-256
	}
}

func signatureAlgorithmOID(alg x509.SignatureAlgorithm) asn1.ObjectIdentifier {
	switch alg {
	case x509.SHA256WithRSA:
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	case x509.SHA384WithRSA:
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	case x509.SHA512WithRSA:
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	case x509.ECDSAWithSHA256:
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	case x509.ECDSAWithSHA384:
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	case x509.ECDSAWithSHA512:
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	default:
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11} // SHA256WithRSA fallback
	}
}

// signedAttributes builds the PKCS#9 authenticated-attribute set RFC
// 5652 §5.3 requires whenever signed attributes are present: content
// type, message digest, signing time, and a random nonce so that two
// signatures over the same Code Directory never produce the same
// signed-attribute digest.
func signedAttributes(digest []byte, signingTime time.Time) ([]attribute, error) {
	nonce := uuid.New()
	nonceRaw, err := asn1.Marshal(nonce[:])
	if err != nil {
		return nil, fmt.Errorf("cms: marshal nonce: %w", err)
	}
	digestRaw, err := asn1.Marshal(digest)
	if err != nil {
		return nil, fmt.Errorf("cms: marshal message digest: %w", err)
	}
	contentTypeRaw, err := asn1.Marshal(oidData)
	if err != nil {
		return nil, fmt.Errorf("cms: marshal content type: %w", err)
	}
	timeRaw, err := asn1.Marshal(signingTime.UTC())
	if err != nil {
		return nil, fmt.Errorf("cms: marshal signing time: %w", err)
	}

	return []attribute{
		{Type: oidAttrContentType, Values: []asn1.RawValue{{FullBytes: contentTypeRaw}}},
		{Type: oidAttrMessageDigest, Values: []asn1.RawValue{{FullBytes: digestRaw}}},
		{Type: oidAttrSigningTime, Values: []asn1.RawValue{{FullBytes: timeRaw}}},
		{Type: oidAttrRandomNonce, Values: []asn1.RawValue{{FullBytes: nonceRaw}}},
	}, nil
}

// Sign builds a detached SignedData over digest, matching spec.md
// §4.2's "signed content is the canonical Code Directory bytes". Per
// RFC 5652 §5.4, once authenticated attributes are present the
// signature covers the DER encoding of that attribute set (as an
// explicit SET OF) rather than the content digest directly.
func (X509Signer) Sign(ctx context.Context, digest []byte, opts SignOptions) ([]byte, error) {
	if opts.PrivateKey == nil || opts.Certificate == nil {
		return nil, fmt.Errorf("cms: signing identity required")
	}
	if opts.DigestAlg == 0 {
		opts.DigestAlg = crypto.SHA256
	}
	signingTime := opts.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	attrs, err := signedAttributes(digest, signingTime)
	if err != nil {
		return nil, err
	}
	attrSet, err := asn1.MarshalWithParams(attrs, "set")
	if err != nil {
		return nil, fmt.Errorf("cms: marshal signed attributes: %w", err)
	}

	h := opts.DigestAlg.New()
	h.Write(attrSet)
	attrDigest := h.Sum(nil)

	sig, err := opts.PrivateKey.Sign(rand.Reader, attrDigest, opts.DigestAlg)
	if err != nil {
		return nil, fmt.Errorf("cms: sign: %w", err)
	}

	var certsRaw []byte
	for _, c := range append([]*x509.Certificate{opts.Certificate}, opts.Chain...) {
		certsRaw = append(certsRaw, c.Raw...)
	}

	serialRaw, err := asn1.Marshal(opts.Certificate.SerialNumber)
	if err != nil {
		return nil, fmt.Errorf("cms: marshal serial number: %w", err)
	}

	sd := signedData{
		Version: 1,
		DigestAlgorithms: []algorithmIdentifier{
			{Algorithm: hashOID(opts.DigestAlg)},
		},
		ContentInfo: contentInfo{ContentType: oidData},
		Certificates: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      certsRaw,
		},
		SignerInfos: []signerInfo{
			{
				Version: 1,
				IssuerAndSerialNumber: issuerAndSerialNumber{
					Issuer:       asn1.RawValue{FullBytes: opts.Certificate.RawIssuer},
					SerialNumber: asn1.RawValue{FullBytes: serialRaw},
				},
				DigestAlgorithm:           algorithmIdentifier{Algorithm: hashOID(opts.DigestAlg)},
				AuthenticatedAttributes:   attrs,
				DigestEncryptionAlgorithm: algorithmIdentifier{Algorithm: signatureAlgorithmOID(opts.Certificate.SignatureAlgorithm)},
				EncryptedDigest:           sig,
			},
		},
	}

	inner, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("cms: marshal SignedData: %w", err)
	}

	out, err := asn1.Marshal(struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, fmt.Errorf("cms: marshal ContentInfo: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return out, nil
}
