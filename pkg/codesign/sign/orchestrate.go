package sign

import (
	"context"

	"zombiezen.com/go/log"

	"github.com/appsworld/go-macho-sign/pkg/codesign/fat"
)

// SignBinary signs data, a thin or universal Mach-O buffer, and
// returns the fully signed replacement (spec.md §4.5: "Per slice of a
// (possibly universal) binary: ... Concatenate into a universal
// binary if needed").
//
// Slices are signed one at a time, in Archs order, rather than fanned
// out with errgroup: spec.md §5 calls out sequential signing as the
// reference design specifically to keep per-slice log output in
// deterministic order, and a concurrent signer's interleaved
// log.Debugf calls would defeat that.
func (s *Signer) SignBinary(ctx context.Context, data []byte) ([]byte, error) {
	if !fat.IsFatMagic(data) {
		return s.SignSlice(ctx, data)
	}

	f, err := fat.Parse(data)
	if err != nil {
		return nil, err
	}

	log.Infof(ctx, "signing universal binary with %d slices", len(f.Archs))

	archs := make([]fat.Arch, len(f.Archs))
	for i, a := range f.Archs {
		log.Debugf(ctx, "signing slice %d (cpu=%v)", i, a.CPU)
		out, err := s.SignSlice(ctx, a.Data)
		if err != nil {
			return nil, err
		}
		archs[i] = fat.Arch{CPU: a.CPU, SubCPU: a.SubCPU, Align: a.Align, Data: out}
	}
	return fat.Build(archs), nil
}
