// Package registrar builds Merkle-committed batches of agent identity
// records for gas-efficient on-chain registration. One small root hash is
// posted per batch; each agent stays individually provable off-chain via its
// sibling-path inclusion proof.
package registrar

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func toHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func fromHex(s string) ([]byte, bool) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, false
	}
	return b, true
}

// hashPair hashes two nodes in byte-sorted order, so verification does not
// need to know which side a sibling was on.
func hashPair(a, b []byte) []byte {
	if string(a) > string(b) {
		a, b = b, a
	}
	return keccak256(a, b)
}

// leafFor builds the leaf for one agent: a keccak256 over the canonical
// encoding keccak256(agentID) || walletAddress bytes || keccak256(metadata).
func leafFor(agentID, walletAddress, identityJSON string) []byte {
	addr, ok := fromHex(walletAddress)
	if !ok {
		addr = []byte(strings.ToLower(walletAddress))
	}
	return keccak256(
		keccak256([]byte(agentID)),
		addr,
		keccak256([]byte(identityJSON)),
	)
}

// buildTree computes the Merkle root and per-leaf sibling-path proofs over
// leaves in their given (agentId-ascending) order. An odd node at any level
// is paired with itself, and its proof records the duplicate so that folding
// the path replays every hash the tree performed.
func buildTree(leaves [][]byte) (root []byte, proofs [][][]byte) {
	if len(leaves) == 0 {
		return nil, nil
	}

	proofs = make([][][]byte, len(leaves))

	// Track which tree position each original leaf currently sits at.
	positions := make([]int, len(leaves))
	for i := range leaves {
		positions[i] = i
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left // duplicate last when odd
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))

			for li, pos := range positions {
				if pos == i {
					proofs[li] = append(proofs[li], right)
				} else if pos == i+1 {
					proofs[li] = append(proofs[li], left)
				}
			}
		}

		for li, pos := range positions {
			positions[li] = pos / 2
		}
		level = next
	}

	return level[0], proofs
}

// VerifyProof folds a sibling path against a leaf and reports whether it
// reproduces the root. Both arguments are 0x-prefixed hex.
func VerifyProof(leafHex string, proofHex []string, rootHex string) bool {
	node, ok := fromHex(leafHex)
	if !ok {
		return false
	}
	for _, p := range proofHex {
		sibling, ok := fromHex(p)
		if !ok {
			return false
		}
		node = hashPair(node, sibling)
	}
	return toHex(node) == strings.ToLower(rootHex)
}
