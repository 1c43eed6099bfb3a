package rewrite

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
	"github.com/appsworld/go-macho-sign/types"
)

func segment64Cmd(bo binary.ByteOrder, name string, fileoff, filesize uint64) []byte {
	cmd := make([]byte, 72)
	bo.PutUint32(cmd[0:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(cmd[4:], uint32(len(cmd)))
	copy(cmd[8:24], name)
	bo.PutUint64(cmd[24:], 0x100000000+fileoff) // vmaddr
	bo.PutUint64(cmd[32:], filesize)             // vmsize
	bo.PutUint64(cmd[40:], fileoff)
	bo.PutUint64(cmd[48:], filesize)
	return cmd
}

// segment64CmdWithSection is segment64Cmd plus one nested section
// header at sectFileoff, the file offset checkHeadroom now validates
// against instead of the segment's own fileoff.
func segment64CmdWithSection(bo binary.ByteOrder, name string, fileoff, filesize uint64, sectFileoff uint32) []byte {
	const sectionSize = 80
	cmd := make([]byte, 72+sectionSize)
	bo.PutUint32(cmd[0:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(cmd[4:], uint32(len(cmd)))
	copy(cmd[8:24], name)
	bo.PutUint64(cmd[24:], 0x100000000+fileoff)
	bo.PutUint64(cmd[32:], filesize)
	bo.PutUint64(cmd[40:], fileoff)
	bo.PutUint64(cmd[48:], filesize)
	bo.PutUint32(cmd[64:], 1) // nsects

	sect := cmd[72:]
	copy(sect[0:16], "__text")
	copy(sect[16:32], name)
	bo.PutUint32(sect[48:], sectFileoff)
	return cmd
}

// buildUnsigned builds a thin, unsigned Mach-O 64 buffer: __TEXT
// [textFileoff, textFileoff+textSize) followed immediately by
// __LINKEDIT [textFileoff+textSize, textFileoff+textSize+linkeditSize).
// Neither segment carries section headers.
func buildUnsigned(t *testing.T, textFileoff, textSize, linkeditSize uint64) []byte {
	t.Helper()
	bo := binary.LittleEndian

	cmds := [][]byte{
		segment64Cmd(bo, "__TEXT", textFileoff, textSize),
		segment64Cmd(bo, "__LINKEDIT", textFileoff+textSize, linkeditSize),
	}
	hdrSize := int(types.FileHeaderSize64)
	var sizeOfCmds int
	for _, c := range cmds {
		sizeOfCmds += len(c)
	}

	total := int(textFileoff + textSize + linkeditSize)
	buf := make([]byte, total)
	for i := range buf {
		buf[i] = byte(i) // distinctive filler so copies are checkable
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

func TestRewriteAddsLoadCommandAndAppendsSignature(t *testing.T) {
	data := buildUnsigned(t, 0, 0x1000, 0x100)
	img, err := image.Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	sig := bytes.Repeat([]byte{0xAB}, 256)
	out, err := Rewrite(img, sig)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	outImg, err := image.Parse(out)
	if err != nil {
		t.Fatalf("re-parsing rewritten image: %v", err)
	}

	if outImg.NCmds != img.NCmds+1 {
		t.Errorf("NCmds = %d, want %d", outImg.NCmds, img.NCmds+1)
	}
	if outImg.CodeSignature == nil {
		t.Fatal("rewritten image has no LC_CODE_SIGNATURE")
	}
	if outImg.CodeSignature.DataSize != uint32(len(sig)) {
		t.Errorf("DataSize = %d, want %d", outImg.CodeSignature.DataSize, len(sig))
	}
	if outImg.CodeSignature.DataOff%16 != 0 {
		t.Errorf("DataOff = %d, not 16-byte aligned", outImg.CodeSignature.DataOff)
	}

	sigStart := outImg.CodeSignature.DataOff
	sigEnd := sigStart + outImg.CodeSignature.DataSize
	if got := out[sigStart:sigEnd]; !bytes.Equal(got, sig) {
		t.Error("trailing bytes at the recorded signature offset do not match the input signature bytes")
	}

	le := outImg.Linkedit()
	if le == nil {
		t.Fatal("rewritten image lost its __LINKEDIT segment")
	}
	if le.Fileoff+le.Filesize != uint64(sigEnd) {
		t.Errorf("__LINKEDIT end %d != signature end %d", le.Fileoff+le.Filesize, sigEnd)
	}
}

func TestRewritePreservesExistingSignatureCommand(t *testing.T) {
	// Build with an existing signature by rewriting twice: first
	// insertion creates LC_CODE_SIGNATURE, the second call should
	// reuse it rather than appending another one.
	data := buildUnsigned(t, 0, 0x1000, 0x100)
	img, err := image.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	firstSig := bytes.Repeat([]byte{0x11}, 128)
	firstOut, err := Rewrite(img, firstSig)
	if err != nil {
		t.Fatal(err)
	}
	firstImg, err := image.Parse(firstOut)
	if err != nil {
		t.Fatal(err)
	}

	secondSig := bytes.Repeat([]byte{0x22}, 512)
	secondOut, err := Rewrite(firstImg, secondSig)
	if err != nil {
		t.Fatal(err)
	}
	secondImg, err := image.Parse(secondOut)
	if err != nil {
		t.Fatal(err)
	}

	if secondImg.NCmds != firstImg.NCmds {
		t.Errorf("NCmds changed on re-sign (%d -> %d), want unchanged (existing LC_CODE_SIGNATURE reused)", firstImg.NCmds, secondImg.NCmds)
	}
	if secondImg.CodeSignature.DataSize != uint32(len(secondSig)) {
		t.Errorf("DataSize = %d, want %d", secondImg.CodeSignature.DataSize, len(secondSig))
	}
}

func TestRewriteNoHeadroomError(t *testing.T) {
	// __TEXT's __text section starts immediately after a
	// tightly-packed header+commands region, leaving no room to grow
	// sizeofcmds by one more load command without overwriting it.
	bo := binary.LittleEndian

	hdrSize := int(types.FileHeaderSize64)
	const linkeditDataCmdSize = 16
	segTextPlaceholder := segment64CmdWithSection(bo, "__TEXT", 0, 0x1000, 0)
	segLinkeditPlaceholder := segment64Cmd(bo, "__LINKEDIT", 0x1000, 0x100)
	sizeOfCmds := len(segTextPlaceholder) + len(segLinkeditPlaceholder)

	// the new LC_CODE_SIGNATURE command grows sizeofcmds by
	// linkeditDataCmdSize; place __text's section exactly one byte
	// short of the room that growth needs.
	textSectionOff := uint32(hdrSize + sizeOfCmds + linkeditDataCmdSize - 1)

	segText := segment64CmdWithSection(bo, "__TEXT", 0, 0x10000, textSectionOff)
	segLinkedit := segment64Cmd(bo, "__LINKEDIT", uint64(textSectionOff)+0x1000, 0x100)

	total := int(textSectionOff) + 0x1000 + 0x100
	buf := make([]byte, total)
	bo.PutUint32(buf[0:], uint32(types.Magic64))
	bo.PutUint32(buf[4:], uint32(types.CPUAmd64))
	bo.PutUint32(buf[12:], uint32(types.MH_EXECUTE))
	bo.PutUint32(buf[16:], 2)
	bo.PutUint32(buf[20:], uint32(sizeOfCmds))

	off := hdrSize
	copy(buf[off:], segText)
	off += len(segText)
	copy(buf[off:], segLinkedit)

	img, err := image.Parse(buf)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Rewrite(img, make([]byte, 64))
	if err == nil {
		t.Fatal("Rewrite with insufficient headroom = nil error, want ErrNoHeadroom")
	}
	if _, ok := err.(*ErrNoHeadroom); !ok {
		t.Errorf("Rewrite error = %T (%v), want *ErrNoHeadroom", err, err)
	}
}
