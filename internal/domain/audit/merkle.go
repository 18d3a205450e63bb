package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleRoot computes the root over record hashes (hex leaves) using a
// balanced binary tree; an odd node at any level is paired with itself.
// An empty chain yields GenesisHash.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return GenesisHash, nil
	}

	level := make([][]byte, 0, len(leaves))
	for i, leaf := range leaves {
		b, err := hex.DecodeString(leaf)
		if err != nil || len(b) != sha256.Size {
			return "", fmt.Errorf("audit: bad merkle leaf at %d: %q", i, leaf)
		}
		level = append(level, b)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := sha256.New()
			h.Write(left)
			h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}
