package types

// A Magic is a Mach-O (or fat binary) magic number.
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

// A HeaderFileType is the Mach-O file type, e.g. an object file,
// executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT  HeaderFileType = 0x1 // relocatable object file
	MH_EXECUTE HeaderFileType = 0x2 // demand paged executable file
	MH_DYLIB   HeaderFileType = 0x6 // dynamically bound shared library
	MH_BUNDLE  HeaderFileType = 0x8 // dynamically bound bundle file
)

// HeaderFlag carries the Mach-O header's flags field; this package
// only needs to parse and re-emit it, not interpret individual bits.
type HeaderFlag uint32
