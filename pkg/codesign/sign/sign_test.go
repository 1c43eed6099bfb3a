package sign

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/appsworld/go-macho-sign/pkg/codesign"
	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
	"github.com/appsworld/go-macho-sign/types"
)

func segment64Cmd(bo binary.ByteOrder, name string, fileoff, filesize uint64) []byte {
	cmd := make([]byte, 72)
	bo.PutUint32(cmd[0:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(cmd[4:], uint32(len(cmd)))
	copy(cmd[8:24], name)
	bo.PutUint64(cmd[24:], 0x100000000+fileoff)
	bo.PutUint64(cmd[32:], filesize)
	bo.PutUint64(cmd[40:], fileoff)
	bo.PutUint64(cmd[48:], filesize)
	return cmd
}

// buildUnsigned builds a thin, unsigned Mach-O 64 buffer with __TEXT
// starting well clear of the header/commands region so there is
// headroom for the new LC_CODE_SIGNATURE the signer inserts.
func buildUnsigned(t *testing.T) []byte {
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
	bo.PutUint32(buf[4:], uint32(types.CPUAmd64))
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

func TestNewRequiresIdentifier(t *testing.T) {
	if _, err := New(Settings{}); err != ErrNoIdentifier {
		t.Errorf("New(no identifier) error = %v, want ErrNoIdentifier", err)
	}
}

func TestSignSliceAdhocRoundTrips(t *testing.T) {
	signer, err := New(Settings{Identifier: "com.example.tool"})
	if err != nil {
		t.Fatal(err)
	}

	data := buildUnsigned(t)
	out, err := signer.SignSlice(context.Background(), data)
	if err != nil {
		t.Fatalf("SignSlice: %v", err)
	}

	img, err := image.Parse(out)
	if err != nil {
		t.Fatalf("re-parsing signed output: %v", err)
	}
	if img.CodeSignature == nil {
		t.Fatal("signed output has no LC_CODE_SIGNATURE")
	}
	if err := img.VerifySignatureAtLinkeditEnd(); err != nil {
		t.Errorf("VerifySignatureAtLinkeditEnd: %v", err)
	}

	csBytes := out[img.CodeSignature.DataOff : img.CodeSignature.DataOff+img.CodeSignature.DataSize]
	cs, err := codesign.ParseCodeSignature(csBytes)
	if err != nil {
		t.Fatalf("ParseCodeSignature: %v", err)
	}
	if len(cs.CodeDirectories) == 0 {
		t.Fatal("parsed signature has no Code Directories")
	}
	if cs.CodeDirectories[0].ID != "com.example.tool" {
		t.Errorf("CodeDirectory.ID = %q, want %q", cs.CodeDirectories[0].ID, "com.example.tool")
	}
	if cs.CodeDirectories[0].CDHash == "" {
		t.Error("CodeDirectory.CDHash is empty")
	}
}

func TestSignSliceRejectsMissingLinkedit(t *testing.T) {
	signer, err := New(Settings{Identifier: "com.example.tool"})
	if err != nil {
		t.Fatal(err)
	}

	bo := binary.LittleEndian
	cmds := [][]byte{segment64Cmd(bo, "__TEXT", 0, 0x1000)}
	hdrSize := int(types.FileHeaderSize64)
	buf := make([]byte, 0x1000)
	bo.PutUint32(buf[0:], uint32(types.Magic64))
	bo.PutUint32(buf[4:], uint32(types.CPUAmd64))
	bo.PutUint32(buf[12:], uint32(types.MH_EXECUTE))
	bo.PutUint32(buf[16:], 1)
	bo.PutUint32(buf[20:], uint32(len(cmds[0])))
	copy(buf[hdrSize:], cmds[0])

	if _, err := signer.SignSlice(context.Background(), buf); err != ErrMissingLinkedit {
		t.Errorf("SignSlice(no __LINKEDIT) error = %v, want ErrMissingLinkedit", err)
	}
}

// TestSignSliceSignatureDataTooLarge covers spec.md §8 scenario 6:
// forcing reservation = real - 1 deterministically yields
// ErrSignatureDataTooLarge.
func TestSignSliceSignatureDataTooLarge(t *testing.T) {
	signer, err := New(Settings{Identifier: "com.example.tool"})
	if err != nil {
		t.Fatal(err)
	}
	data := buildUnsigned(t)

	// An unperturbed first pass gives the real signature size (the
	// SuperBlob header's length field) and the reservation it was
	// padded to (LC_CODE_SIGNATURE's datasize); shift the estimate so
	// the second pass reserves exactly one byte less than the real size.
	first, err := signer.SignSlice(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	firstImg, err := image.Parse(first)
	if err != nil {
		t.Fatal(err)
	}
	realSize := int64(binary.BigEndian.Uint32(first[firstImg.CodeSignature.DataOff+4:]))
	signer.testReservationAdjust = realSize - 1 - int64(firstImg.CodeSignature.DataSize)

	if _, err := signer.SignSlice(context.Background(), data); err != ErrSignatureDataTooLarge {
		t.Errorf("SignSlice(reservation-1) error = %v, want ErrSignatureDataTooLarge", err)
	}
}

func TestSignSliceTwiceReusesSignatureCommand(t *testing.T) {
	signer, err := New(Settings{Identifier: "com.example.tool"})
	if err != nil {
		t.Fatal(err)
	}
	data := buildUnsigned(t)

	firstOut, err := signer.SignSlice(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	firstImg, err := image.Parse(firstOut)
	if err != nil {
		t.Fatal(err)
	}

	secondOut, err := signer.SignSlice(context.Background(), firstOut)
	if err != nil {
		t.Fatalf("re-signing an already-signed slice: %v", err)
	}
	secondImg, err := image.Parse(secondOut)
	if err != nil {
		t.Fatal(err)
	}
	if secondImg.NCmds != firstImg.NCmds {
		t.Errorf("NCmds changed on re-sign (%d -> %d)", firstImg.NCmds, secondImg.NCmds)
	}
}
