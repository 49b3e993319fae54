// Package merkle builds binary Keccak-256 commitment trees and produces and
// verifies inclusion proofs. Internal nodes are hashed with a 0x01 domain
// prefix, `Keccak256(0x01 || left || right)`, which keeps leaf hashes and
// internal-node hashes in disjoint domains and must match the on-ledger
// verifier byte for byte.
package merkle

import (
	"bytes"
	"fmt"

	"github.com/obscura-network/sip/internal/app/domain/wots"
)

// NodePrefix is the domain-separation byte for internal pair hashing.
const NodePrefix = 0x01

// Tree is a binary hash tree over an ordered list of 32-byte leaves. Levels
// with an odd node count pair the last node with itself, so every proof has
// length equal to the tree depth.
type Tree struct {
	levels [][][]byte // levels[0] = leaves, last level = [root]
}

// Build constructs a tree from the given leaves. Leaf order fixes the leaf
// indices used by proofs; callers must preserve it between proof generation
// and verification.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: no leaves")
	}
	for i, leaf := range leaves {
		if len(leaf) != wots.HashLen {
			return nil, fmt.Errorf("merkle: leaf %d is %d bytes, want %d", i, len(leaf), wots.HashLen)
		}
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = append([]byte(nil), leaf...)
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return append([]byte(nil), top[0]...)
}

// Depth returns the number of levels between a leaf and the root.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Proof returns the ordered sibling path for the leaf at index, leaf level
// first. The proof length always equals Depth.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, t.LeafCount())
	}

	proof := make([][]byte, 0, t.Depth())
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos // odd node paired with itself
		}
		proof = append(proof, append([]byte(nil), level[sibling]...))
		pos >>= 1
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf and its sibling path. The side
// of the computed node at each level is selected by the corresponding bit of
// leafIndex, least-significant bit first.
func VerifyProof(leaf []byte, proof [][]byte, leafIndex uint64, root []byte) bool {
	if len(leaf) != wots.HashLen || len(root) != wots.HashLen {
		return false
	}
	computed := leaf
	index := leafIndex
	for _, sibling := range proof {
		if len(sibling) != wots.HashLen {
			return false
		}
		if index&1 == 1 {
			computed = HashPair(sibling, computed)
		} else {
			computed = HashPair(computed, sibling)
		}
		index >>= 1
	}
	return bytes.Equal(computed, root)
}

// HashPair hashes two nodes with the internal-node domain prefix.
func HashPair(left, right []byte) []byte {
	buf := make([]byte, 0, 1+2*wots.HashLen)
	buf = append(buf, NodePrefix)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return wots.Keccak256(buf)
}
