// Package entitlements handles the entitlements plist: decoding its
// XML form well enough to DER-encode it (spec.md §4.4's
// EntitlementsDer), and translating well-known keys into exec-segment
// flags (spec.md §4.3 step 5).
//
// No plist library of any kind (XML or binary) is present anywhere in
// the example pack: github.com/blacktop/go-macho's own
// pkg/codesign/types/entitlement.go calls a
// "plist.NewXMLDecoder" that does not actually exist there (only a
// binary-plist parser does, in pkg/codesign/types/plist). This file
// supplies the missing XML decoder directly against stdlib
// encoding/xml — a declared stdlib fallback, see DESIGN.md.
package entitlements

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// DecodeXML parses an entitlements XML plist into a generic map, the
// shape pkg/codesign/types/entitlement.go's DerEncodeEntitlements
// consumes (bool / string / []any values).
func DecodeXML(r io.Reader) (map[string]any, error) {
	dec := xml.NewDecoder(r)

	result := make(map[string]any)

	// Walk to the top-level <dict> inside <plist>.
	if err := skipTo(dec, "dict"); err != nil {
		return nil, err
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			if _, isEnd := tok.(xml.EndElement); isEnd {
				// end of the dict (or a sibling we've already consumed)
				break
			}
			continue
		}
		if start.Name.Local != "key" {
			continue
		}
		key, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		val, err := readValue(dec)
		if err != nil {
			return nil, fmt.Errorf("entitlements: reading value for key %q: %w", key, err)
		}
		result[key] = val
	}

	return result, nil
}

func skipTo(dec *xml.Decoder, name string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == name {
			return nil
		}
	}
}

func readCharData(dec *xml.Decoder) (string, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			s := string(t)
			// consume the rest of the element, including its end tag
			if err := dec.Skip(); err != nil {
				return "", err
			}
			return s, nil
		case xml.EndElement:
			return "", nil
		}
	}
}

// readValue reads the next plist value element (string/true/false/
// integer/array) and returns its Go representation.
func readValue(dec *xml.Decoder) (any, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "true":
			if err := dec.Skip(); err != nil && err != io.EOF {
				return nil, err
			}
			return true, nil
		case "false":
			if err := dec.Skip(); err != nil && err != io.EOF {
				return nil, err
			}
			return false, nil
		case "string":
			return readCharData(dec)
		case "integer":
			s, err := readCharData(dec)
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return n, nil
		case "array":
			return readArray(dec)
		case "dict":
			return readDict(dec)
		default:
			if err := dec.Skip(); err != nil && err != io.EOF {
				return nil, err
			}
			return nil, nil
		}
	}
}

func readArray(dec *xml.Decoder) ([]any, error) {
	var out []any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.EndElement); ok {
			return out, nil
		}
		if _, ok := tok.(xml.StartElement); ok {
			// rewind by handling this start element directly: readValue
			// expects to consume the opening token itself, so re-dispatch
			// via a small inline switch mirroring readValue's cases.
			se := tok.(xml.StartElement)
			v, err := readValueFromStart(dec, se)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
}

func readDict(dec *xml.Decoder) (map[string]any, error) {
	out := make(map[string]any)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.EndElement); ok {
			return out, nil
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "key" {
			continue
		}
		key, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		val, err := readValue(dec)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
}

func readValueFromStart(dec *xml.Decoder, start xml.StartElement) (any, error) {
	switch start.Name.Local {
	case "true":
		if err := dec.Skip(); err != nil && err != io.EOF {
			return nil, err
		}
		return true, nil
	case "false":
		if err := dec.Skip(); err != nil && err != io.EOF {
			return nil, err
		}
		return false, nil
	case "string":
		return readCharData(dec)
	case "integer":
		s, err := readCharData(dec)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case "array":
		return readArray(dec)
	case "dict":
		return readDict(dec)
	default:
		if err := dec.Skip(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, nil
	}
}
