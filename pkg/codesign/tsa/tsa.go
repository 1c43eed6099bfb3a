// Package tsa implements an RFC 3161 Time-Stamping Authority client,
// the other injected capability spec.md §5/§9 calls for: a timestamp
// token round trip bound to a digest, with no implicit network
// fallback on failure (spec.md §7: "a missing TSA response when
// timestamping was requested yields a TsaError — never silent
// fallback").
//
// No TSA/timestamp client library exists anywhere in the example pack
// (same grep sweep as pkg/codesign/cms, extended to
// "timestamp|tsa|rfc3161" — no hits outside this spec's own
// vocabulary). Built directly on net/http and encoding/asn1, mirroring
// the plain net/http request helpers visible in the rest of the
// example pack's own small HTTP call sites.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"encoding/asn1"
	"fmt"
	"io"
	"net/http"
)

const contentTypeTimestampQuery = "application/timestamp-query"
const contentTypeTimestampReply = "application/timestamp-reply"

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          int                   `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

func hashOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	case crypto.SHA384:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	case crypto.SHA512:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	default:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	}
}

// Client fetches an RFC 3161 timestamp token over HTTP.
type Client struct {
	HTTP *http.Client
}

// GetTimestamp requests a timestamp token over digest from url,
// returning the raw DER-encoded TimeStampResp on success.
func (c *Client) GetTimestamp(ctx context.Context, digest []byte, alg crypto.Hash, url string) ([]byte, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	reqBody, err := asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{Algorithm: hashOID(alg)},
			HashedMessage: digest,
		},
		CertReq: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tsa: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("tsa: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeTimestampQuery)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tsa: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa: server returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && ct != contentTypeTimestampReply {
		return nil, fmt.Errorf("tsa: unexpected content type %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tsa: reading response: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("tsa: empty response")
	}
	return body, nil
}
