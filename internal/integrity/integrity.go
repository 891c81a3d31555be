// Package integrity builds Merkle roots over trust log entry hashes.
// A chain break pinpoints the first divergent line; the Merkle root gives a
// single value an external auditor can record and later compare without
// holding the full log. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), so internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must already be in chain order. An empty input returns an
// empty string; a single leaf is its own root. Odd-length levels hash the
// last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
