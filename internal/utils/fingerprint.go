package utils

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the parts with blake3. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") differ.
func Fingerprint(parts ...string) string {
	h := blake3.New()
	var size [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range size {
			size[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
