// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.

package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"testing"

	"github.com/nfl0/tinychain/foundation/blockchain/merkle"
	"github.com/zeebo/blake3"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// Data is a simple value stored in the tree.
type Data struct {
	x string
}

// MerkleData returns the bytes to hash for the leaf.
func (d Data) MerkleData() ([]byte, error) {
	return []byte(d.x), nil
}

// Equals tests for equality of two piece of data.
func (d Data) Equals(other Data) bool {
	return d.x == other.x
}

// =============================================================================

func h(fn func() hash.Hash, parts ...[]byte) []byte {
	hh := fn()
	for _, p := range parts {
		hh.Write(p)
	}
	return hh.Sum(nil)
}

func blake(parts ...[]byte) []byte {
	return h(func() hash.Hash { return blake3.New() }, parts...)
}

// manualRoot computes the expected root for up to five leaves by hand.
func manualRoot(values ...string) []byte {
	switch len(values) {
	case 0:
		return blake()
	case 1:
		return blake([]byte(values[0]))
	case 2:
		return blake(blake([]byte(values[0])), blake([]byte(values[1])))
	case 3:
		a, b, c := blake([]byte(values[0])), blake([]byte(values[1])), blake([]byte(values[2]))
		return blake(blake(a, b), blake(c, c))
	case 5:
		a, b, c := blake([]byte(values[0])), blake([]byte(values[1])), blake([]byte(values[2]))
		d, e := blake([]byte(values[3])), blake([]byte(values[4]))
		l1 := blake(blake(a, b), blake(c, d))
		l2 := blake(e, e)
		l2 = blake(l2, l2)
		return blake(l1, l2)
	}
	return nil
}

func TestRoot(t *testing.T) {
	type table struct {
		name   string
		values []string
	}

	tt := []table{
		{name: "empty", values: nil},
		{name: "single", values: []string{"a"}},
		{name: "even", values: []string{"a", "b"}},
		{name: "odd", values: []string{"a", "b", "c"}},
		{name: "odd twice", values: []string{"a", "b", "c", "d", "e"}},
	}

	t.Log("Given the need to compute merkle roots over ordered leaves.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling the %q set of leaves.", testID, tst.name)
			{
				f := func(t *testing.T) {
					exp := manualRoot(tst.values...)

					log := merkle.NewLog()
					for _, v := range tst.values {
						log.Append([]byte(v))
					}

					if !bytes.Equal(log.Root(), exp) {
						t.Logf("\t%s\tTest %d:\tgot: %x", failed, testID, log.Root())
						t.Logf("\t%s\tTest %d:\texp: %x", failed, testID, exp)
						t.Fatalf("\t%s\tTest %d:\tShould get the expected log root.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get the expected log root.", success, testID)

					data := make([]Data, len(tst.values))
					for i, v := range tst.values {
						data[i] = Data{x: v}
					}

					tree, err := merkle.NewTree(data)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to create a tree: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to create a tree.", success, testID)

					if !bytes.Equal(tree.MerkleRoot, log.Root()) {
						t.Logf("\t%s\tTest %d:\tgot: %x", failed, testID, tree.MerkleRoot)
						t.Logf("\t%s\tTest %d:\texp: %x", failed, testID, log.Root())
						t.Fatalf("\t%s\tTest %d:\tShould get the same root from the tree and the log.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get the same root from the tree and the log.", success, testID)

					if err := tree.Verify(); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to verify the tree: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to verify the tree.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestProof(t *testing.T) {
	values := []Data{{x: "tx1"}, {x: "tx2"}, {x: "tx3"}, {x: "tx4"}, {x: "tx5"}}

	t.Log("Given the need to prove a value is part of a tree.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen handling a tree with an odd number of leaves.", testID)
		{
			tree, err := merkle.NewTree(values)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to create a tree: %v", failed, testID, err)
			}

			for _, v := range values {
				proof, order, err := tree.Proof(v)
				if err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to get a proof for %s: %v", failed, testID, v.x, err)
				}

				if !merkle.VerifyProof(tree.MerkleRoot, blake([]byte(v.x)), proof, order, nil) {
					t.Fatalf("\t%s\tTest %d:\tShould be able to verify the proof for %s.", failed, testID, v.x)
				}

				if err := tree.VerifyData(v); err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to verify the data for %s: %v", failed, testID, v.x, err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould be able to prove every value.", success, testID)

			if _, _, err := tree.Proof(Data{x: "missing"}); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould not get a proof for a missing value.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould not get a proof for a missing value.", success, testID)

			proof, order, _ := tree.Proof(values[0])
			if merkle.VerifyProof(tree.MerkleRoot, blake([]byte("tx9")), proof, order, nil) {
				t.Fatalf("\t%s\tTest %d:\tShould fail a proof for the wrong leaf.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould fail a proof for the wrong leaf.", success, testID)
		}
	}
}

func TestHashStrategy(t *testing.T) {
	t.Log("Given the need to swap the hash strategy.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen using sha256.", testID)
		{
			values := []Data{{x: "a"}, {x: "b"}, {x: "c"}}

			tree, err := merkle.NewTree(values, merkle.WithHashStrategy[Data](sha256.New))
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to create a tree: %v", failed, testID, err)
			}

			a, b, c := h(sha256.New, []byte("a")), h(sha256.New, []byte("b")), h(sha256.New, []byte("c"))
			exp := h(sha256.New, h(sha256.New, a, b), h(sha256.New, c, c))

			if !bytes.Equal(tree.MerkleRoot, exp) {
				t.Fatalf("\t%s\tTest %d:\tShould get the sha256 root.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould get the sha256 root.", success, testID)

			log := merkle.NewLog(sha256.New)
			for _, v := range values {
				log.Append([]byte(v.x))
			}

			if !bytes.Equal(log.Root(), exp) {
				t.Fatalf("\t%s\tTest %d:\tShould get the sha256 root from the log.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould get the sha256 root from the log.", success, testID)
		}
	}
}

func TestRebuild(t *testing.T) {
	t.Log("Given the need to rebuild a tree after tampering.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the root hash is changed.", testID)
		{
			tree, err := merkle.NewTree([]Data{{x: "a"}, {x: "b"}, {x: "c"}, {x: "d"}})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to create a tree: %v", failed, testID, err)
			}

			tree.MerkleRoot = []byte{1}
			if err := tree.Verify(); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould detect the tampered root.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould detect the tampered root.", success, testID)

			if err := tree.Rebuild(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to rebuild the tree: %v", failed, testID, err)
			}

			if err := tree.Verify(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould verify after the rebuild: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould verify after the rebuild.", success, testID)

			if len(tree.Values()) != 4 {
				t.Fatalf("\t%s\tTest %d:\tShould keep the four values.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould keep the four values.", success, testID)
		}
	}
}
