package database

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// ZeroHash represents a hash code of zeros. It is the previous hash of the
// genesis block.
var ZeroHash = strings.Repeat("0", 64)

// Hash returns the blake3 hex digest over the concatenation of the parts.
func Hash(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}

	return hex.EncodeToString(h.Sum(nil))
}
