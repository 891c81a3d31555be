package integrity

import "testing"

func TestBuildMerkleRootEmpty(t *testing.T) {
	root := BuildMerkleRoot(nil)
	if root != "" {
		t.Fatalf("empty input should produce empty root, got %q", root)
	}
}

func TestBuildMerkleRootSingleLeaf(t *testing.T) {
	leaf := "abc123"
	root := BuildMerkleRoot([]string{leaf})
	if root != leaf {
		t.Fatalf("single leaf should be the root: got %q, want %q", root, leaf)
	}
}

func TestBuildMerkleRootDeterministic(t *testing.T) {
	leaves := []string{"hash_a", "hash_b", "hash_c", "hash_d"}

	r1 := BuildMerkleRoot(leaves)
	r2 := BuildMerkleRoot(leaves)

	if r1 != r2 {
		t.Fatalf("Merkle root not deterministic: %q != %q", r1, r2)
	}
	if len(r1) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(r1))
	}
}

func TestBuildMerkleRootOrderMatters(t *testing.T) {
	r1 := BuildMerkleRoot([]string{"a", "b", "c"})
	r2 := BuildMerkleRoot([]string{"b", "a", "c"})

	if r1 == r2 {
		t.Fatal("different leaf ordering should produce different roots")
	}
}

func TestBuildMerkleRootOddLeafCount(t *testing.T) {
	// With 3 leaves: pair (0,1), promote (2), then pair again for the root.
	root := BuildMerkleRoot([]string{"x", "y", "z"})
	if root == "" {
		t.Fatal("odd leaf count should still produce a root")
	}
	if len(root) != 64 {
		t.Fatalf("expected 64-char hex SHA-256 root, got %d chars", len(root))
	}
}

func TestBuildMerkleRootInputNotMutated(t *testing.T) {
	leaves := []string{"a", "b", "c"}
	_ = BuildMerkleRoot(leaves)
	if leaves[0] != "a" || leaves[1] != "b" || leaves[2] != "c" {
		t.Fatal("input slice was mutated")
	}
}
