package types

import "fmt"

// A CPU is a Mach-O cpu type.
type CPU uint32

const (
	cpuArch64 = 0x01000000 // 64 bit ABI
)

const (
	CPU386   CPU = 7
	CPUAmd64 CPU = CPU386 | cpuArch64
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
	CPUPpc   CPU = 18
	CPUPpc64 CPU = CPUPpc | cpuArch64
)

func (c CPU) String() string {
	switch c {
	case CPU386:
		return "i386"
	case CPUAmd64:
		return "x86_64"
	case CPUArm:
		return "arm"
	case CPUArm64:
		return "arm64"
	case CPUPpc:
		return "ppc"
	case CPUPpc64:
		return "ppc64"
	default:
		return fmt.Sprintf("cpu(0x%x)", uint32(c))
	}
}

// A CPUSubtype further qualifies a CPU; this package only needs it as
// an opaque field carried through parsing, signing, and fat-binary
// round trips, so no subtype-specific constants are kept.
type CPUSubtype uint32
