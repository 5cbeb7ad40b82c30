package merkle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisRoot is the well-known predecessor of the first root record.
const GenesisRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// RootRecord is one committed flush: the tree root, a link to the previous
// root, and the batch shape. Immutable once written.
type RootRecord struct {
	RootHash     string    `json:"root_hash"`
	PreviousRoot string    `json:"previous_root"`
	BatchSize    int       `json:"batch_size"`
	AnchorRef    string    `json:"anchor_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LeafProof is the persisted inclusion proof for one leaf of a flush.
type LeafProof struct {
	EntityID       string    `json:"entity_id"`
	OrganizationID string    `json:"organization_id"`
	LeafIndex      int       `json:"leaf_index"`
	LeafHash       string    `json:"leaf_hash"`
	RootHash       string    `json:"root_hash"`
	Proof          Proof     `json:"proof"`
	FlushedAt      time.Time `json:"flushed_at"`
}

// VerifyChain walks root records ordered oldest to newest and checks that
// each record links to its predecessor. The first record must link to
// GenesisRoot. Returns nil when the chain is intact.
func VerifyChain(records []RootRecord) error {
	prev := GenesisRoot
	for i, rec := range records {
		if rec.PreviousRoot != prev {
			return fmt.Errorf("merkle: chain broken at record %d: previous_root %q, want %q",
				i, rec.PreviousRoot, prev)
		}
		if _, err := hex.DecodeString(rec.RootHash); err != nil || len(rec.RootHash) != 64 {
			return fmt.Errorf("merkle: record %d has malformed root %q", i, rec.RootHash)
		}
		prev = rec.RootHash
	}
	return nil
}

// EncodeProof serializes a proof for storage as JSON with hex-encoded
// sibling hashes.
func EncodeProof(p Proof) ([]byte, error) {
	type step struct {
		Hash string `json:"hash"`
		Left bool   `json:"left"`
	}
	steps := make([]step, len(p))
	for i, s := range p {
		steps[i] = step{Hash: hex.EncodeToString(s.Hash[:]), Left: s.Left}
	}
	return json.Marshal(steps)
}

// DecodeProof is the inverse of EncodeProof.
func DecodeProof(data []byte) (Proof, error) {
	type step struct {
		Hash string `json:"hash"`
		Left bool   `json:"left"`
	}
	var steps []step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	proof := make(Proof, len(steps))
	for i, s := range steps {
		raw, err := hex.DecodeString(s.Hash)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("decode proof step %d: malformed hash", i)
		}
		copy(proof[i].Hash[:], raw)
		proof[i].Left = s.Left
	}
	return proof, nil
}

// VerifyHex verifies an inclusion proof given hex-encoded leaf and root.
func VerifyHex(leafHex string, proof Proof, rootHex string) (bool, error) {
	leafRaw, err := hex.DecodeString(leafHex)
	if err != nil || len(leafRaw) != 32 {
		return false, fmt.Errorf("malformed leaf hash %q", leafHex)
	}
	rootRaw, err := hex.DecodeString(rootHex)
	if err != nil || len(rootRaw) != 32 {
		return false, fmt.Errorf("malformed root hash %q", rootHex)
	}
	var leaf, root [32]byte
	copy(leaf[:], leafRaw)
	copy(root[:], rootRaw)
	return Verify(leaf, proof, root), nil
}
