package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tessera-ledger/tessera/internal/merkle"
)

func makeLeaves(n int) [][32]byte {
	leaves := make([][32]byte, n)
	for i := range leaves {
		leaves[i] = sha256.Sum256(fmt.Appendf(nil, "leaf-%d", i))
	}
	return leaves
}

func TestNewTree_rejectsEmpty(t *testing.T) {
	if _, err := merkle.NewTree(nil); err != merkle.ErrNoLeaves {
		t.Errorf("NewTree(nil) error = %v, want ErrNoLeaves", err)
	}
}

func TestTree_singleLeafRootIsLeaf(t *testing.T) {
	leaves := makeLeaves(1)
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Root() != leaves[0] {
		t.Error("single-leaf root should equal the leaf itself")
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof) != 0 {
		t.Errorf("single-leaf proof length = %d, want 0", len(proof))
	}
}

func TestTree_proofsVerifyForEveryLeaf(t *testing.T) {
	// Covers even sizes, odd sizes, and the power-of-two boundary.
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 100} {
		leaves := makeLeaves(n)
		tree, err := merkle.NewTree(leaves)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("n=%d leaf=%d: %v", n, i, err)
			}
			if !merkle.Verify(leaves[i], proof, tree.Root()) {
				t.Errorf("n=%d leaf=%d: valid proof failed to verify", n, i)
			}
		}
	}
}

func TestVerify_rejectsTamperedLeaf(t *testing.T) {
	leaves := makeLeaves(5)
	tree, _ := merkle.NewTree(leaves)
	proof, _ := tree.Proof(2)

	tampered := sha256.Sum256([]byte("tampered"))
	if merkle.Verify(tampered, proof, tree.Root()) {
		t.Error("tampered leaf verified against original root")
	}
}

func TestVerify_rejectsWrongRoot(t *testing.T) {
	leaves := makeLeaves(4)
	tree, _ := merkle.NewTree(leaves)
	proof, _ := tree.Proof(0)

	otherRoot := sha256.Sum256([]byte("other"))
	if merkle.Verify(leaves[0], proof, otherRoot) {
		t.Error("proof verified against unrelated root")
	}
}

func TestTree_proofIndexOutOfRange(t *testing.T) {
	tree, _ := merkle.NewTree(makeLeaves(3))
	if _, err := tree.Proof(3); err == nil {
		t.Error("Proof(3) on 3-leaf tree should fail")
	}
	if _, err := tree.Proof(-1); err == nil {
		t.Error("Proof(-1) should fail")
	}
}

func TestEncodeDecodeProof_roundTrip(t *testing.T) {
	leaves := makeLeaves(7)
	tree, _ := merkle.NewTree(leaves)
	proof, _ := tree.Proof(4)

	encoded, err := merkle.EncodeProof(proof)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := merkle.DecodeProof(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.Verify(leaves[4], decoded, tree.Root()) {
		t.Error("decoded proof failed to verify")
	}
}

func TestDecodeProof_rejectsMalformedHash(t *testing.T) {
	if _, err := merkle.DecodeProof([]byte(`[{"hash":"zzzz","left":false}]`)); err == nil {
		t.Error("malformed hex should fail to decode")
	}
	if _, err := merkle.DecodeProof([]byte(`[{"hash":"abcd","left":false}]`)); err == nil {
		t.Error("short hash should fail to decode")
	}
}

func TestVerifyHex_roundTrip(t *testing.T) {
	leaves := makeLeaves(6)
	tree, _ := merkle.NewTree(leaves)
	proof, _ := tree.Proof(1)

	leafHex := fmt.Sprintf("%x", leaves[1])
	ok, err := merkle.VerifyHex(leafHex, proof, tree.RootHex())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("hex round-trip proof did not verify")
	}
}

func TestVerifyHex_malformedInputs(t *testing.T) {
	if _, err := merkle.VerifyHex("not-hex", nil, merkle.GenesisRoot); err == nil {
		t.Error("malformed leaf should error")
	}
	if _, err := merkle.VerifyHex(merkle.GenesisRoot, nil, "short"); err == nil {
		t.Error("malformed root should error")
	}
}

func chainRecord(prev string, seed string) merkle.RootRecord {
	sum := sha256.Sum256([]byte(seed))
	return merkle.RootRecord{
		RootHash:     fmt.Sprintf("%x", sum),
		PreviousRoot: prev,
		BatchSize:    1,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestVerifyChain_intact(t *testing.T) {
	r1 := chainRecord(merkle.GenesisRoot, "one")
	r2 := chainRecord(r1.RootHash, "two")
	r3 := chainRecord(r2.RootHash, "three")

	if err := merkle.VerifyChain([]merkle.RootRecord{r1, r2, r3}); err != nil {
		t.Errorf("intact chain failed verification: %v", err)
	}
}

func TestVerifyChain_emptyIsValid(t *testing.T) {
	if err := merkle.VerifyChain(nil); err != nil {
		t.Errorf("empty chain should verify: %v", err)
	}
}

func TestVerifyChain_brokenLink(t *testing.T) {
	r1 := chainRecord(merkle.GenesisRoot, "one")
	r2 := chainRecord(r1.RootHash, "two")
	r3 := chainRecord(r1.RootHash, "three") // skips r2

	err := merkle.VerifyChain([]merkle.RootRecord{r1, r2, r3})
	if err == nil {
		t.Fatal("broken chain passed verification")
	}
	if !strings.Contains(err.Error(), "record 2") {
		t.Errorf("error should name the broken record: %v", err)
	}
}

func TestVerifyChain_firstMustLinkGenesis(t *testing.T) {
	r1 := chainRecord("deadbeef"+strings.Repeat("0", 56), "one")
	if err := merkle.VerifyChain([]merkle.RootRecord{r1}); err == nil {
		t.Error("chain not rooted at genesis passed verification")
	}
}

func TestVerifyChain_malformedRoot(t *testing.T) {
	r1 := merkle.RootRecord{RootHash: "not-hex", PreviousRoot: merkle.GenesisRoot}
	if err := merkle.VerifyChain([]merkle.RootRecord{r1}); err == nil {
		t.Error("malformed root hash passed verification")
	}
}
