package sign

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/appsworld/go-macho-sign/pkg/codesign"
	"github.com/appsworld/go-macho-sign/pkg/codesign/fat"
	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
	"github.com/appsworld/go-macho-sign/types"
)

// buildUnsignedForCPU is buildUnsigned generalized to an arbitrary CPU
// type, for assembling a multi-architecture fat binary.
func buildUnsignedForCPU(t *testing.T, cpu types.CPU) []byte {
	t.Helper()
	bo := binary.LittleEndian

	const textFileoff, textFilesize = 0x1000, 0x2000
	const linkeditFileoff = textFileoff + textFilesize
	const linkeditFilesize = 0x200

	cmds := [][]byte{
		segment64Cmd(bo, "__TEXT", textFileoff, textFilesize),
		segment64Cmd(bo, "__LINKEDIT", linkeditFileoff, linkeditFilesize),
	}
	hdrSize := int(types.FileHeaderSize64)
	var sizeOfCmds int
	for _, c := range cmds {
		sizeOfCmds += len(c)
	}

	total := linkeditFileoff + linkeditFilesize
	buf := make([]byte, total)
	for i := range buf {
		buf[i] = byte(i * 7)
	}

	bo.PutUint32(buf[0:], uint32(types.Magic64))
	bo.PutUint32(buf[4:], uint32(cpu))
	bo.PutUint32(buf[12:], uint32(types.MH_EXECUTE))
	bo.PutUint32(buf[16:], uint32(len(cmds)))
	bo.PutUint32(buf[20:], uint32(sizeOfCmds))

	off := hdrSize
	for _, c := range cmds {
		copy(buf[off:], c)
		off += len(c)
	}
	return buf
}

// TestSignBinaryUniversalSignsEachSliceIndependently covers spec.md §8
// scenario 4: a universal binary with x86_64 and arm64 slices, each
// independently verifiable after signing.
func TestSignBinaryUniversalSignsEachSliceIndependently(t *testing.T) {
	signer, err := New(Settings{Identifier: "com.example.universal"})
	if err != nil {
		t.Fatal(err)
	}

	amd64Slice := buildUnsignedForCPU(t, types.CPUAmd64)
	arm64Slice := buildUnsignedForCPU(t, types.CPUArm64)

	fatBin := fat.Build([]fat.Arch{
		{CPU: types.CPUAmd64, SubCPU: 0, Align: 12, Data: amd64Slice},
		{CPU: types.CPUArm64, SubCPU: 0, Align: 14, Data: arm64Slice},
	})

	out, err := signer.SignBinary(context.Background(), fatBin)
	if err != nil {
		t.Fatalf("SignBinary: %v", err)
	}
	if !fat.IsFatMagic(out) {
		t.Fatal("SignBinary output does not start with a fat magic")
	}

	f, err := fat.Parse(out)
	if err != nil {
		t.Fatalf("re-parsing signed universal binary: %v", err)
	}
	if len(f.Archs) != 2 {
		t.Fatalf("len(Archs) = %d, want 2", len(f.Archs))
	}

	wantCPUs := map[types.CPU]bool{types.CPUAmd64: false, types.CPUArm64: false}
	for _, a := range f.Archs {
		if _, ok := wantCPUs[a.CPU]; !ok {
			t.Errorf("unexpected slice CPU %v in signed output", a.CPU)
			continue
		}
		wantCPUs[a.CPU] = true

		img, err := image.Parse(a.Data)
		if err != nil {
			t.Fatalf("slice %v: re-parsing: %v", a.CPU, err)
		}
		if img.CodeSignature == nil {
			t.Fatalf("slice %v: no LC_CODE_SIGNATURE", a.CPU)
		}
		if err := img.VerifySignatureAtLinkeditEnd(); err != nil {
			t.Errorf("slice %v: VerifySignatureAtLinkeditEnd: %v", a.CPU, err)
		}

		csBytes := a.Data[img.CodeSignature.DataOff : img.CodeSignature.DataOff+img.CodeSignature.DataSize]
		cs, err := codesign.ParseCodeSignature(csBytes)
		if err != nil {
			t.Fatalf("slice %v: ParseCodeSignature: %v", a.CPU, err)
		}
		if len(cs.CodeDirectories) == 0 {
			t.Errorf("slice %v: no Code Directories", a.CPU)
		}
	}
	for cpu, seen := range wantCPUs {
		if !seen {
			t.Errorf("slice for CPU %v missing from signed output", cpu)
		}
	}
}
