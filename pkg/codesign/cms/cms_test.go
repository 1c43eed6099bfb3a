package cms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"
)

func selfSignedTestCert(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "go-macho-sign test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return key, cert
}

func TestNullSignerReturnsEmpty(t *testing.T) {
	sig, err := NullSigner{}.Sign(context.Background(), []byte("digest"), SignOptions{})
	if err != nil {
		t.Fatalf("NullSigner.Sign: %v", err)
	}
	if sig != nil {
		t.Errorf("NullSigner.Sign returned %v, want nil", sig)
	}
}

func TestX509SignerRequiresIdentity(t *testing.T) {
	_, err := X509Signer{}.Sign(context.Background(), []byte("digest"), SignOptions{})
	if err == nil {
		t.Fatal("X509Signer.Sign with no identity = nil error, want error")
	}
}

func TestX509SignerProducesParsableSignedData(t *testing.T) {
	key, cert := selfSignedTestCert(t)
	digest := []byte("fake code directory digest bytes")

	out, err := X509Signer{}.Sign(context.Background(), digest, SignOptions{
		PrivateKey:  key,
		Certificate: cert,
	})
	if err != nil {
		t.Fatalf("X509Signer.Sign: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("X509Signer.Sign returned empty bytes")
	}

	var outer struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(out, &outer); err != nil {
		t.Fatalf("outer ContentInfo did not parse as ASN.1: %v", err)
	}
	if !outer.ContentType.Equal(oidSignedData) {
		t.Errorf("ContentType = %v, want SignedData OID %v", outer.ContentType, oidSignedData)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		t.Fatalf("inner SignedData did not parse: %v", err)
	}
	if len(sd.SignerInfos) != 1 {
		t.Fatalf("len(SignerInfos) = %d, want 1", len(sd.SignerInfos))
	}
	if len(sd.SignerInfos[0].EncryptedDigest) == 0 {
		t.Error("SignerInfo.EncryptedDigest is empty")
	}
}

func TestX509SignerAttachesRandomNonceAttribute(t *testing.T) {
	key, cert := selfSignedTestCert(t)
	digest := []byte("fake code directory digest bytes")

	first, err := X509Signer{}.Sign(context.Background(), digest, SignOptions{PrivateKey: key, Certificate: cert})
	if err != nil {
		t.Fatalf("X509Signer.Sign (first): %v", err)
	}
	second, err := X509Signer{}.Sign(context.Background(), digest, SignOptions{PrivateKey: key, Certificate: cert})
	if err != nil {
		t.Fatalf("X509Signer.Sign (second): %v", err)
	}

	var outer struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(first, &outer); err != nil {
		t.Fatalf("outer ContentInfo did not parse: %v", err)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		t.Fatalf("inner SignedData did not parse: %v", err)
	}
	attrs := sd.SignerInfos[0].AuthenticatedAttributes
	if len(attrs) == 0 {
		t.Fatal("SignerInfo has no AuthenticatedAttributes")
	}
	found := false
	for _, a := range attrs {
		if a.Type.Equal(oidAttrRandomNonce) {
			found = true
		}
	}
	if !found {
		t.Error("AuthenticatedAttributes missing the randomNonce attribute")
	}

	// Same digest, same identity, two signing passes: the nonce
	// attribute must differ, so the two SignedData blobs (and
	// therefore the two signatures) must not be byte-identical.
	if string(first) == string(second) {
		t.Error("two signing passes over an identical digest produced byte-identical output, want the nonce to vary")
	}
}

func TestContextCancellationIsRespected(t *testing.T) {
	key, cert := selfSignedTestCert(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := X509Signer{}.Sign(ctx, []byte("digest"), SignOptions{
		PrivateKey:  key,
		Certificate: cert,
	})
	if err == nil {
		t.Fatal("Sign with a cancelled context = nil error, want context.Canceled")
	}
}
