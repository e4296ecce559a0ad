package blob

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Digest is the keyed BLAKE3 hash of a payload's uncompressed bytes.
type Digest [32]byte

// payloadDomainKey separates payload digests from any other BLAKE3 use.
// It is the ASCII of the domain name, zero padded; changing it
// invalidates every stored blob.
var payloadDomainKey = [32]byte{
	's', 'p', 'i', 'n', 'd', 'l', 'e', '.', 'b', 'l', 'o', 'b', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd',
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("parsing digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// NewHasher returns a hasher in the payload domain.
func NewHasher() *blake3.Hasher {
	h, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("blob: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

func Sum(data []byte) Digest {
	h := NewHasher()
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// SumReader hashes r to the end and returns the digest and byte count.
func SumReader(r io.Reader) (Digest, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}
