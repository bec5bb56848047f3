package merkle

import (
	"bytes"
	"encoding/hex"
	"hash"
)

// Log is an append-only list of leaves. Every call to Append hashes the data
// and records the leaf, so the root commits to the exact order of appends.
type Log struct {
	hashStrategy func() hash.Hash
	leaves       [][]byte
}

// NewLog constructs an empty log. The default hash strategy is blake3.
func NewLog(hashStrategy ...func() hash.Hash) *Log {
	l := Log{
		hashStrategy: DefaultHashStrategy,
	}

	if len(hashStrategy) > 0 && hashStrategy[0] != nil {
		l.hashStrategy = hashStrategy[0]
	}

	return &l
}

// Append hashes and stores a leaf, returning the leaf hash.
func (l *Log) Append(data []byte) []byte {
	h := l.hashStrategy()
	h.Write(data)
	leaf := h.Sum(nil)

	l.leaves = append(l.leaves, leaf)

	return leaf
}

// Len returns the number of leaves appended so far.
func (l *Log) Len() int {
	return len(l.leaves)
}

// Root computes the root over the current leaves.
func (l *Log) Root() []byte {
	return Root(l.leaves, l.hashStrategy)
}

// RootHex returns the root as a lowercase hex string with no prefix.
func (l *Log) RootHex() string {
	return hex.EncodeToString(l.Root())
}

// =============================================================================

// Root computes the merkle root over a level of leaf hashes. An odd level
// duplicates its last node before hashing adjacent pairs. The single
// surviving node is the root and an empty level roots to the hash of no data.
func Root(leaves [][]byte, hashStrategy func() hash.Hash) []byte {
	if hashStrategy == nil {
		hashStrategy = DefaultHashStrategy
	}

	if len(leaves) == 0 {
		return hashStrategy().Sum(nil)
	}

	level := leaves
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level[:len(level):len(level)], level[len(level)-1])
		}

		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := hashStrategy()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}

		level = next
	}

	return level[0]
}

// VerifyProof checks a proof produced by Tree.Proof against a root.
func VerifyProof(root []byte, leaf []byte, proof [][]byte, order []int64, hashStrategy func() hash.Hash) bool {
	if len(proof) != len(order) {
		return false
	}

	if hashStrategy == nil {
		hashStrategy = DefaultHashStrategy
	}

	current := leaf
	for i, p := range proof {
		h := hashStrategy()
		switch order[i] {
		case 0:
			h.Write(p)
			h.Write(current)
		default:
			h.Write(current)
			h.Write(p)
		}
		current = h.Sum(nil)
	}

	return bytes.Equal(current, root)
}
