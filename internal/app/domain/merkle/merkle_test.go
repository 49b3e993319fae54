package merkle

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/obscura-network/sip/internal/app/domain/wots"
)

func leafSet(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := range leaves {
		leaves[i] = wots.Keccak256([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestTwoLeafRoot(t *testing.T) {
	c1 := wots.Keccak256([]byte("a"))
	c2 := wots.Keccak256([]byte("b"))

	tree, err := Build([][]byte{c1, c2})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	want := wots.Keccak256(append(append([]byte{NodePrefix}, c1...), c2...))
	if !bytes.Equal(tree.Root(), want) {
		t.Fatalf("root mismatch: got %x want %x", tree.Root(), want)
	}

	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 1 || !bytes.Equal(proof[0], c2) {
		t.Fatalf("expected proof [c2], got %x", proof)
	}
	if !VerifyProof(c1, proof, 0, tree.Root()) {
		t.Fatal("valid proof rejected")
	}
	if VerifyProof(c1, proof, 1, tree.Root()) {
		t.Fatal("proof verified under wrong index")
	}
}

func TestProofRoundTripAllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 100} {
		leaves := leafSet(n)
		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("build %d leaves: %v", n, err)
		}
		for i, leaf := range leaves {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("proof %d/%d: %v", i, n, err)
			}
			if len(proof) != tree.Depth() {
				t.Fatalf("proof length %d, want depth %d", len(proof), tree.Depth())
			}
			if !VerifyProof(leaf, proof, uint64(i), tree.Root()) {
				t.Fatalf("valid proof rejected for leaf %d of %d", i, n)
			}
		}
	}
}

func TestTamperedSiblingFails(t *testing.T) {
	leaves := leafSet(8)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for i := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof: %v", err)
		}
		for level := range proof {
			tampered := make([][]byte, len(proof))
			for j := range proof {
				tampered[j] = append([]byte(nil), proof[j]...)
			}
			tampered[level][7] ^= 0x01
			if VerifyProof(leaves[i], tampered, uint64(i), tree.Root()) {
				t.Fatalf("tampered sibling at level %d accepted for leaf %d", level, i)
			}
		}
	}
}

func TestWrongLeafFails(t *testing.T) {
	leaves := leafSet(4)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	other := wots.Keccak256([]byte("not-in-tree"))
	if VerifyProof(other, proof, 2, tree.Root()) {
		t.Fatal("foreign leaf verified")
	}
	if VerifyProof(leaves[1], proof, 2, tree.Root()) {
		t.Fatal("leaf verified with another leaf's proof")
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Fatal("expected error for empty leaf set")
	}
	if _, err := Build([][]byte{[]byte("short")}); err == nil {
		t.Fatal("expected error for undersized leaf")
	}
}

func TestSingleLeafTree(t *testing.T) {
	leaves := leafSet(1)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(tree.Root(), leaves[0]) {
		t.Fatal("single-leaf root should equal the leaf")
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("expected empty proof for single leaf, got %d siblings", len(proof))
	}
}
