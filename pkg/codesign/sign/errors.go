package sign

import "errors"

// Sentinel and typed errors, spec.md §7. Kept as wrapped stdlib errors
// rather than a custom hierarchy, matching
// github.com/blacktop/go-macho's own FormatError style in file.go.
var (
	ErrMissingLinkedit       = errors.New("codesign: no __LINKEDIT segment; signing is impossible")
	ErrNoIdentifier          = errors.New("codesign: settings omit the required binary identifier")
	ErrSignatureDataTooLarge = errors.New("codesign: real signature exceeds the pre-computed reservation")
)

// UnsupportedBinaryError reports that the signing-capability check
// failed (spec.md §7's UnsupportedBinary kind).
type UnsupportedBinaryError struct {
	Reason string
}

func (e *UnsupportedBinaryError) Error() string {
	return "codesign: unsupported binary: " + e.Reason
}

// ParseError reports that the input is not a recognizable Mach-O /
// fat binary.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return "codesign: parse error: " + e.Detail
}
