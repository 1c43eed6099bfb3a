package entitlements

import (
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/appsworld/go-macho-sign/pkg/codesign/blob"
)

// ASN.1 item shapes, kept from github.com/blacktop/go-macho's
// pkg/codesign/types/entitlement.go verbatim.
type item struct {
	Key string `asn1:"utf8"`
	Val any
}

type boolItem struct {
	Key string `asn1:"utf8"`
	Val bool
}

type stringItem struct {
	Key string `asn1:"utf8"`
	Val string `asn1:"utf8"`
}

type stringSliceItem struct {
	Key string `asn1:"utf8"`
	Val []string
}

// DerEncode DER-encodes an entitlements XML plist, adapted from
// github.com/blacktop/go-macho's DerEncodeEntitlements to use the
// from-scratch DecodeXML (plist.go) in place of the missing
// plist.NewXMLDecoder.
func DerEncode(xmlInput string) ([]byte, error) {
	entitlements, err := DecodeXML(strings.NewReader(xmlInput))
	if err != nil {
		return nil, fmt.Errorf("failed to decode entitlements plist: %w", err)
	}

	var items []any
	for k, v := range entitlements {
		switch t := v.(type) {
		case bool:
			items = append(items, boolItem{k, t})
		case string:
			items = append(items, stringItem{k, t})
		case []any:
			var stringSlice []string
			for _, s := range t {
				if str, ok := s.(string); ok {
					stringSlice = append(stringSlice, str)
				}
			}
			items = append(items, stringSliceItem{k, stringSlice})
		default:
			items = append(items, item{k, v})
		}
	}

	return asn1.MarshalWithParams(items, "set")
}

// execSegFlag table, spec.md §4.3 step 5: "a pure translation table:
// keys like get-task-allow, run-unsigned-code, etc., map to specific
// bits", grounded on
// original_source/apple-codesign/src/macho_signing.rs's entitlement ->
// exec-segment-flag match arms.
var keyToExecSegFlag = map[string]blob.ExecSegFlag{
	"get-task-allow":                  blob.ExecSegAllowUnsigned,
	"com.apple.security.get-task-allow": blob.ExecSegAllowUnsigned,
	"run-unsigned-code":               blob.ExecSegAllowUnsigned,
	"com.apple.private.cs.debugger":   blob.ExecSegDebugger,
	"dynamic-codesigning":             blob.ExecSegJIT,
	"com.apple.security.cs.allow-jit": blob.ExecSegJIT,
}

// ExecSegFlags derives the exec-segment flags contributed by an
// entitlements dict, OR-ed together (spec.md §4.3 step 5).
func ExecSegFlags(ent map[string]any) blob.ExecSegFlag {
	var flags blob.ExecSegFlag
	for key, val := range ent {
		b, ok := val.(bool)
		if !ok || !b {
			continue
		}
		if f, known := keyToExecSegFlag[key]; known {
			flags |= f
		}
	}
	return flags
}
