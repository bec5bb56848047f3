// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// This code has been cleaned up, refactored, and turned into generics.

// Package merkle provides an implementation of a merkle tree for committing
// to the transactions and state mutations of a block.
package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
)

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree. The tree hashes the bytes returned by MerkleData with its
// configured hash strategy to produce the leaf.
type Hashable[T any] interface {
	MerkleData() ([]byte, error)
	Equals(other T) bool
}

// DefaultHashStrategy is the hash function used when no other strategy
// is provided.
func DefaultHashStrategy() hash.Hash {
	return blake3.New()
}

// =============================================================================

// Tree represents a merkle tree that uses data of some type T that exhibits the
// behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	Root         *Node[T]
	Leafs        []*Node[T]
	MerkleRoot   []byte
	hashStrategy func() hash.Hash
}

// WithHashStrategy is used to change the default hash strategy of using blake3
// when constructing a new tree.
func WithHashStrategy[T Hashable[T]](hashStrategy func() hash.Hash) func(t *Tree[T]) {
	return func(t *Tree[T]) {
		t.hashStrategy = hashStrategy
	}
}

// NewTree constructs a new merkle tree that uses data of some type T that
// exhibits the behavior defined by the Hashable interface.
func NewTree[T Hashable[T]](values []T, options ...func(t *Tree[T])) (*Tree[T], error) {
	t := Tree[T]{
		hashStrategy: DefaultHashStrategy,
	}

	for _, option := range options {
		option(&t)
	}

	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the leafs and nodes of the tree from the specified
// data. If the tree has been generated previously, the tree is re-generated
// from scratch. An empty set of values produces a tree with no nodes whose
// root is the hash of no data.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		h, err := sum(t.hashStrategy, nil)
		if err != nil {
			return err
		}

		t.Root = nil
		t.Leafs = nil
		t.MerkleRoot = h
		return nil
	}

	leafs := make([]*Node[T], 0, len(values))
	for _, value := range values {
		data, err := value.MerkleData()
		if err != nil {
			return err
		}

		hash, err := sum(t.hashStrategy, data)
		if err != nil {
			return err
		}

		leafs = append(leafs, &Node[T]{
			Hash:  hash,
			Value: value,
			leaf:  true,
			Tree:  t,
		})
	}

	root, err := buildIntermediate(leafs, t)
	if err != nil {
		return err
	}

	t.Root = root
	t.Leafs = leafs
	t.MerkleRoot = root.Hash

	return nil
}

// Rebuild is a helper function that will rebuild the tree reusing only the
// data that it currently holds in the leaves.
func (t *Tree[T]) Rebuild() error {
	return t.Generate(t.Values())
}

// Proof returns the set of hashes and the order of concatenating those
// hashes for proving a value is in the tree.
//
// Hash the value's merkle data to get the leaf hash and know the root. For
// each step of the proof, an order of 0 says the proof hash comes first and
// an order of 1 says it comes second.
//
//	h = leaf
//	h = H(proof[0] + h)  -- order[0] == 0
//	h = H(h + proof[1])  -- order[1] == 1
//
// The final h should match the merkle root. A tree with a single leaf
// produces an empty proof since the leaf is the root.
func (t *Tree[T]) Proof(data T) ([][]byte, []int64, error) {
	for _, node := range t.Leafs {
		if !node.Value.Equals(data) {
			continue
		}

		merkleProof := [][]byte{}
		order := []int64{}
		nodeParent := node.Parent

		for nodeParent != nil {
			if nodeParent.Left == node {
				merkleProof = append(merkleProof, nodeParent.Right.Hash)
				order = append(order, 1) // proof is the right node, concat second.
			} else {
				merkleProof = append(merkleProof, nodeParent.Left.Hash)
				order = append(order, 0) // proof is the left node, concat first.
			}
			node = nodeParent
			nodeParent = nodeParent.Parent
		}

		return merkleProof, order, nil
	}

	return nil, nil, errors.New("unable to find data in tree")
}

// Verify validates the hashes at each level of the tree and returns an error
// if the resulting hash at the root of the tree doesn't match the root hash.
func (t *Tree[T]) Verify() error {
	if t.Root == nil {
		h, err := sum(t.hashStrategy, nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(t.MerkleRoot, h) {
			return errors.New("root hash invalid")
		}
		return nil
	}

	calculatedMerkleRoot, err := t.Root.verify()
	if err != nil {
		return err
	}

	if !bytes.Equal(t.MerkleRoot, calculatedMerkleRoot) {
		return errors.New("root hash invalid")
	}

	return nil
}

// VerifyData indicates whether a given piece of data is in the tree and if the
// hashes are valid for that data. Returns nil if the expected merkle root is
// equivalent to the merkle root calculated on the critical path for a given
// piece of data.
func (t *Tree[T]) VerifyData(data T) error {
	for _, node := range t.Leafs {
		if !node.Value.Equals(data) {
			continue
		}

		currentParent := node.Parent
		for currentParent != nil {
			h, err := sum(t.hashStrategy, concat(currentParent.Left.Hash, currentParent.Right.Hash))
			if err != nil {
				return err
			}

			if !bytes.Equal(h, currentParent.Hash) {
				return errors.New("merkle root is not equivalent to the merkle root calculated on the critical path")
			}

			currentParent = currentParent.Parent
		}

		return nil
	}

	return errors.New("data not found in the tree")
}

// Values returns the slice of values stored in the tree in leaf order.
func (t *Tree[T]) Values() []T {
	values := make([]T, 0, len(t.Leafs))
	for _, node := range t.Leafs {
		values = append(values, node.Value)
	}

	return values
}

// RootHex converts the merkle root byte hash to a 0x prefixed hex string.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.MerkleRoot)
}

// String returns a string representation of the tree. Only leaf nodes are
// included in the output.
func (t *Tree[T]) String() string {
	var b bytes.Buffer

	for _, l := range t.Leafs {
		b.WriteString(l.String())
		b.WriteString("\n")
	}

	return b.String()
}

// MarshalText implements the TextMarshaler interface and produces a panic
// if anyone tries to marshal the Merkle tree. Use the Values function to
// return a slice that can be marshaled.
func (t *Tree[T]) MarshalText() (text []byte, err error) {
	panic("do not marshal the merkle tree, use Values")
}

// =============================================================================

// Node represents a node, root, or leaf in the tree. It stores pointers to its
// immediate relationships, a hash, the data if it is a leaf, and other metadata.
type Node[T Hashable[T]] struct {
	Tree   *Tree[T]
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   []byte
	Value  T
	leaf   bool
	dup    bool
}

// verify walks down the tree until hitting a leaf, calculating the hash at
// each level and returning the resulting hash of the node.
func (n *Node[T]) verify() ([]byte, error) {
	if n.leaf {
		data, err := n.Value.MerkleData()
		if err != nil {
			return nil, err
		}
		return sum(n.Tree.hashStrategy, data)
	}

	leftBytes, err := n.Left.verify()
	if err != nil {
		return nil, err
	}

	rightBytes := leftBytes
	if !n.dup {
		if rightBytes, err = n.Right.verify(); err != nil {
			return nil, err
		}
	}

	return sum(n.Tree.hashStrategy, concat(leftBytes, rightBytes))
}

// String returns a string representation of the node.
func (n *Node[T]) String() string {
	return fmt.Sprintf("%t %t %x %v", n.leaf, n.dup, n.Hash, n.Value)
}

// =============================================================================

// buildIntermediate is a helper function that for a given list of nodes,
// constructs the next level of the tree, duplicating the last node of an odd
// length level. Returns the resulting root node of the tree.
func buildIntermediate[T Hashable[T]](nl []*Node[T], t *Tree[T]) (*Node[T], error) {
	if len(nl) == 1 {
		return nl[0], nil
	}

	nodes := make([]*Node[T], 0, (len(nl)+1)/2)

	for i := 0; i < len(nl); i += 2 {
		left, right := i, i+1
		dup := false
		if right == len(nl) {
			right = i
			dup = true
		}

		h, err := sum(t.hashStrategy, concat(nl[left].Hash, nl[right].Hash))
		if err != nil {
			return nil, err
		}

		n := Node[T]{
			Left:  nl[left],
			Right: nl[right],
			Hash:  h,
			Tree:  t,
			dup:   dup,
		}

		nodes = append(nodes, &n)
		nl[left].Parent = &n
		nl[right].Parent = &n
	}

	return buildIntermediate(nodes, t)
}

// sum hashes the data with a fresh hasher from the strategy.
func sum(hashStrategy func() hash.Hash, data []byte) ([]byte, error) {
	h := hashStrategy()
	if _, err := h.Write(data); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// concat joins two hashes into a new slice so neither input is aliased.
func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
