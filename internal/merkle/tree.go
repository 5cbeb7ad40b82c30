// Package merkle builds binary SHA-256 Merkle trees over batch leaves and
// maintains the chained root records that make the audit log tamper-evident.
//
// Each batcher flush produces one tree. The root of every tree is persisted
// with a pointer to its predecessor, forming an append-only hash chain; a
// uniqueness constraint on the root value rejects replayed batches.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNoLeaves is returned when a tree is built from an empty leaf set.
var ErrNoLeaves = errors.New("merkle: no leaves")

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash [32]byte `json:"hash"`
	// Left is true when the sibling sits to the left of the running hash.
	Left bool `json:"left"`
}

// Proof is the ordered list of siblings sufficient to recompute the root
// from a single leaf.
type Proof []ProofStep

// Tree is a binary SHA-256 Merkle tree. Levels[0] holds the leaves,
// the last level holds the single root node.
type Tree struct {
	levels [][][32]byte
}

// NewTree builds a tree over the given leaf hashes. An odd node at any
// level is paired with itself.
func NewTree(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	levels := [][][32]byte{append([][32]byte(nil), leaves...)}
	for current := levels[0]; len(current) > 1; {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left // odd node pairs with itself
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, combine(left, right))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the root hash of the tree.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// RootHex returns the hex-encoded root hash.
func (t *Tree) RootHex() string {
	root := t.Root()
	return hex.EncodeToString(root[:])
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Proof returns the inclusion proof for the leaf at index i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, errors.New("merkle: leaf index out of range")
	}

	var proof Proof
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // odd node: sibling is itself
		}
		proof = append(proof, ProofStep{
			Hash: level[sibling],
			Left: sibling < idx,
		})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root by folding the proof over the leaf hash and
// compares it to the expected root. A false result means the leaf, the
// proof, or the stored record has been altered.
func Verify(leaf [32]byte, proof Proof, root [32]byte) bool {
	acc := leaf
	for _, step := range proof {
		if step.Left {
			acc = combine(step.Hash, acc)
		} else {
			acc = combine(acc, step.Hash)
		}
	}
	return acc == root
}

func combine(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
