// Package digest computes the per-page and whole-blob hashes used by a
// Code Directory.
package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// Kind identifies a hash algorithm usable inside a Code Directory.
type Kind uint8

const (
	SHA1 Kind = iota + 1
	SHA256
	SHA384
	SHA512
)

func (k Kind) String() string {
	switch k {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Size returns the digest length in bytes for k.
func (k Kind) Size() int {
	switch k {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// CsHashType is the on-disk hashType value a Code Directory stores for k.
func (k Kind) CsHashType() uint8 {
	switch k {
	case SHA1:
		return 1
	case SHA256:
		return 2
	case SHA384:
		return 4
	case SHA512:
		return 5
	default:
		return 0
	}
}

// KindFromCsHashType reverses CsHashType, for parsing an existing
// Code Directory's on-disk hashType field back into a Kind. ok is
// false for a hashType this package doesn't implement.
func KindFromCsHashType(hashType uint8) (k Kind, ok bool) {
	switch hashType {
	case 1:
		return SHA1, true
	case 2:
		return SHA256, true
	case 4:
		return SHA384, true
	case 5:
		return SHA512, true
	default:
		return 0, false
	}
}

func (k Kind) New() hash.Hash {
	switch k {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		panic(fmt.Sprintf("digest: unsupported kind %v", k))
	}
}

// Sum hashes the whole of data with k.
func Sum(data []byte, k Kind) []byte {
	h := k.New()
	h.Write(data)
	return h.Sum(nil)
}

const PageSize = 4096

// PageCount returns the number of page_size chunks needed to cover
// codeLimit bytes.
func PageCount(codeLimit int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((codeLimit + int64(pageSize) - 1) / int64(pageSize))
}

// HashPages hashes data[0:codeLimit] in page_size chunks, the final chunk
// being the remainder with no padding (spec.md §4.3 step 9).
func HashPages(data []byte, codeLimit int64, k Kind) [][]byte {
	if codeLimit > int64(len(data)) {
		codeLimit = int64(len(data))
	}
	n := PageCount(codeLimit, PageSize)
	out := make([][]byte, 0, n)
	for p := 0; p < n; p++ {
		start := int64(p) * PageSize
		end := start + PageSize
		if end > codeLimit {
			end = codeLimit
		}
		out = append(out, Sum(data[start:end], k))
	}
	return out
}
