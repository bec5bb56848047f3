package forger_test

import (
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/forger"
	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool"
	"github.com/nfl0/tinychain/foundation/blockchain/storage"
	"github.com/nfl0/tinychain/foundation/blockchain/validate"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reward = 10

var now = time.Unix(1_700_000_100, 0)

type node struct {
	key     *ecdsa.PrivateKey
	address database.Address
	pool    *mempool.Mempool
	store   *storage.Storage
	forger  *forger.Forger
}

type failingStore struct{}

func (failingStore) Commit(database.Block, vm.Snapshot) error {
	return errors.New("disk full")
}

func (failingStore) PutSignState(database.SignState) error {
	return nil
}

type chain struct {
	nodes []*node
	alice *ecdsa.PrivateKey
	bob   database.Address
}

// newChain builds n validator nodes sharing the same genesis. Alice starts
// with 100.
func newChain(t *testing.T, n int, store forger.Store, forgeEmpty bool) chain {
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)

	bobKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	keys := make([]*ecdsa.PrivateKey, n)
	gen := genesis.Genesis{
		BlockReward: reward,
		Balances:    map[string]uint64{string(database.PublicKeyToAddress(alice.PublicKey)): 100},
	}
	for i := range keys {
		keys[i], err = crypto.GenerateKey()
		require.NoError(t, err)
		gen.Validators = append(gen.Validators, genesis.Validator{
			Address: string(database.PublicKeyToAddress(keys[i].PublicKey)),
			Stake:   50,
		})
	}

	machine := vm.New(vm.Config{BlockReward: gen.BlockReward})
	snap, root, err := machine.Genesis(gen)
	require.NoError(t, err)

	block := database.NewBlock(0, now.Add(-time.Minute).Unix(), database.ZeroHash, root, database.GenesisProposer, nil)

	c := chain{alice: alice, bob: database.PublicKeyToAddress(bobKey.PublicKey)}
	for _, key := range keys {
		pool, err := mempool.New(0)
		require.NoError(t, err)

		strg := storage.NewMemory()
		t.Cleanup(func() { strg.Close() })
		require.NoError(t, strg.Commit(block, snap))

		cfg := forger.Config{
			PrivateKey: key,
			Storage:    strg,
			Mempool:    pool,
			VM:         machine,
			MaxTxBlock: 10,
			ForgeEmpty: forgeEmpty,
		}
		if store != nil {
			cfg.Storage = store
		}

		c.nodes = append(c.nodes, &node{
			key:     key,
			address: database.PublicKeyToAddress(key.PublicKey),
			pool:    pool,
			store:   strg,
			forger:  forger.New(cfg, block.Header, snap),
		})
	}

	return c
}

// transfer signs a transfer from Alice to Bob and stages it on every node.
func (c chain) transfer(t *testing.T, amount, fee, nonce uint64) database.Tx {
	tx, err := database.NewTx(c.bob, amount, fee, nonce, "")
	require.NoError(t, err)

	tx, err = tx.Sign(c.alice)
	require.NoError(t, err)

	for _, n := range c.nodes {
		_, err := n.pool.Add(tx)
		require.NoError(t, err)
	}

	return tx
}

func bodies(t *testing.T, n *node, header database.BlockHeader) []database.Tx {
	found, missing := n.forger.Bodies(header.TxHashes)
	require.Empty(t, missing)

	txs := make([]database.Tx, len(header.TxHashes))
	for i, h := range header.TxHashes {
		txs[i] = found[h]
	}
	return txs
}

// =============================================================================

func TestQuorumCommit(t *testing.T) {
	c := newChain(t, 5, nil, false)
	a := c.nodes[0]
	parent := a.forger.LatestHeader()

	tx1 := c.transfer(t, 50, 1, 0)
	tx2 := c.transfer(t, 30, 5, 1)

	for _, n := range c.nodes {
		proposer, err := n.forger.SelectProposer()
		require.NoError(t, err)
		require.Equal(t, a.address, proposer)
	}
	assert.Equal(t, forger.ProposerSelected, a.forger.Phase())
	assert.Equal(t, forger.AwaitingProposal, c.nodes[1].forger.Phase())

	block, err := a.forger.Propose(now)
	require.NoError(t, err)
	assert.Equal(t, forger.CollectingSignatures, a.forger.Phase())

	// The higher fee waits for the lower nonce from the same sender.
	require.Equal(t, []string{tx1.Hash, tx2.Hash}, block.Header.TxHashes)
	assert.Equal(t, parent.Height+1, block.Header.Height)
	assert.Equal(t, parent.BlockHash, block.Header.PrevBlockHash)
	assert.Len(t, block.Header.Signatures, 1)

	for i, n := range c.nodes[1:] {
		signed, err := n.forger.Replay(block.Header, bodies(t, n, block.Header), now)
		require.NoError(t, err)

		merged, err := a.forger.AddSignatures(signed)
		require.NoError(t, err)
		assert.Len(t, merged.Signatures, i+2)

		if i+2 < validate.Quorum(5) {
			assert.False(t, a.forger.HasQuorum(block.Hash()))

			_, err := a.forger.Finalize(block.Hash(), now)
			require.ErrorIs(t, err, forger.ErrNoQuorum)
			continue
		}

		require.True(t, a.forger.HasQuorum(block.Hash()))
		break
	}

	committed, err := a.forger.Finalize(block.Hash(), now)
	require.NoError(t, err)
	assert.Equal(t, forger.Committed, a.forger.Phase())
	assert.True(t, a.pool.IsEmpty(), "committed transactions leave the mempool")
	require.NotNil(t, committed.Transactions[0].Confirmed)
	assert.Equal(t, uint64(1), *committed.Transactions[0].Confirmed)

	snap := a.forger.Snapshot()
	assert.Equal(t, uint64(20), snap.Balance(database.PublicKeyToAddress(c.alice.PublicKey)).Uint64())
	assert.Equal(t, uint64(80), snap.Balance(c.bob).Uint64())
	assert.Equal(t, uint64(reward), snap.Balance(a.address).Uint64())

	last, err := a.store.LastHeader()
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), last.BlockHash)
	assert.Len(t, last.Signatures, 4)

	// The committed header reaches every validator and each commits it.
	header := a.forger.LatestHeader()
	for _, n := range c.nodes[1:] {
		if _, exists := n.forger.Pending(header.BlockHash); !exists {
			_, err := n.forger.Replay(header, bodies(t, n, header), now)
			require.NoError(t, err)
		} else {
			_, err := n.forger.AddSignatures(header)
			require.NoError(t, err)
		}

		_, err := n.forger.Finalize(header.BlockHash, now)
		require.NoError(t, err)

		assert.Equal(t, header.BlockHash, n.forger.LatestHeader().BlockHash)
		assert.True(t, n.pool.IsEmpty())
	}

	// Every node agrees the next turn belongs to the second validator.
	for _, n := range c.nodes {
		proposer, err := n.forger.SelectProposer()
		require.NoError(t, err)
		assert.Equal(t, c.nodes[1].address, proposer)
	}
}

func TestStorageFailureLeavesMempool(t *testing.T) {
	c := newChain(t, 1, failingStore{}, false)
	a := c.nodes[0]
	parent := a.forger.LatestHeader()

	c.transfer(t, 50, 1, 0)

	block, err := a.forger.Propose(now)
	require.NoError(t, err)
	require.True(t, a.forger.HasQuorum(block.Hash()), "a lone validator is its own quorum")

	_, err = a.forger.Finalize(block.Hash(), now)
	require.Error(t, err)

	assert.Equal(t, 1, a.pool.Count(), "a failed commit must not evict")
	assert.Equal(t, parent.BlockHash, a.forger.LatestHeader().BlockHash)
	assert.Equal(t, forger.Dropped, a.forger.Phase())

	_, exists := a.forger.Pending(block.Hash())
	assert.False(t, exists)
}

func TestRoundRobin(t *testing.T) {
	c := newChain(t, 3, nil, false)
	f := c.nodes[0].forger

	var got []database.Address
	for range 4 {
		p, err := f.SelectProposer()
		require.NoError(t, err)
		got = append(got, p)
	}

	exp := []database.Address{c.nodes[0].address, c.nodes[1].address, c.nodes[2].address, c.nodes[0].address}
	assert.Equal(t, exp, got)

	f.SyncCursor(c.nodes[1].address)
	p, err := f.SelectProposer()
	require.NoError(t, err)
	assert.Equal(t, c.nodes[2].address, p)
}

func TestNoProposer(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	pool, err := mempool.New(0)
	require.NoError(t, err)

	snap := vm.NewSnapshot()
	header := database.NewBlock(0, 0, database.ZeroHash, "", database.GenesisProposer, nil).Header

	f := forger.New(forger.Config{PrivateKey: key, Storage: failingStore{}, Mempool: pool, VM: vm.New(vm.Config{})}, header, snap)

	_, err = f.SelectProposer()
	assert.ErrorIs(t, err, forger.ErrNoProposer)
	assert.Equal(t, forger.Idle, f.Phase())
}

func TestEmptyMempool(t *testing.T) {
	c := newChain(t, 1, nil, false)

	_, err := c.nodes[0].forger.Propose(now)
	assert.ErrorIs(t, err, forger.ErrNoTransactions)

	c = newChain(t, 1, nil, true)
	a := c.nodes[0]

	block, err := a.forger.Propose(now)
	require.NoError(t, err)
	assert.Empty(t, block.Header.TxHashes)

	_, err = a.forger.Finalize(block.Hash(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.forger.LatestHeader().Height)
}

func TestOneRoundInFlight(t *testing.T) {
	c := newChain(t, 2, nil, false)
	a := c.nodes[0]
	c.transfer(t, 10, 1, 0)

	block, err := a.forger.Propose(now)
	require.NoError(t, err)

	_, err = a.forger.Propose(now)
	assert.ErrorIs(t, err, forger.ErrRoundInFlight)

	a.forger.Drop(block.Hash())
	assert.Equal(t, forger.Dropped, a.forger.Phase())

	block, err = a.forger.Propose(now)
	require.NoError(t, err)

	assert.Equal(t, 0, a.forger.Prune(time.Minute, now.Add(30*time.Second)))
	assert.Equal(t, 1, a.forger.Prune(time.Minute, now.Add(2*time.Minute)))

	_, err = a.forger.Finalize(block.Hash(), now)
	assert.ErrorIs(t, err, forger.ErrNotPending)
}

func TestReplayRefusals(t *testing.T) {
	c := newChain(t, 3, nil, false)
	a, b := c.nodes[0], c.nodes[1]
	c.transfer(t, 10, 1, 0)

	block, err := a.forger.Propose(now)
	require.NoError(t, err)

	t.Run("missing bodies", func(t *testing.T) {
		_, err := b.forger.Replay(block.Header, nil, now)
		assert.ErrorIs(t, err, forger.ErrMissingTransactions)
	})

	t.Run("state root mismatch", func(t *testing.T) {
		h := block.Header.Clone()
		h.StateRoot = "abcd"
		h.BlockHash = h.ComputeHash()

		sig, err := database.SignBlockHash(h.BlockHash, 0, h.Timestamp, a.key)
		require.NoError(t, err)
		h.Signatures = []database.Signature{sig}

		_, err = b.forger.Replay(h, bodies(t, b, h), now)
		assert.ErrorIs(t, err, validate.ErrStateRootMismatch)
		assert.Equal(t, forger.Dropped, b.forger.Phase())
	})

	t.Run("unsigned proposal", func(t *testing.T) {
		h := block.Header.Clone()
		h.Signatures = nil

		_, err := b.forger.Replay(h, bodies(t, b, h), now)
		assert.ErrorIs(t, err, validate.ErrBadProposerSignature)
	})

	t.Run("proposer signature under another index", func(t *testing.T) {
		h := block.Header.Clone()

		sig, err := database.SignBlockHash(h.BlockHash, 2, h.Timestamp, a.key)
		require.NoError(t, err)
		h.Signatures = []database.Signature{sig}

		third := c.nodes[2]
		_, err = third.forger.Replay(h, bodies(t, third, h), now)
		assert.ErrorIs(t, err, validate.ErrBadSignatureIndex)

		_, exists := third.forger.Pending(h.BlockHash)
		assert.False(t, exists)
	})

	t.Run("signatures from outside the active set are ignored", func(t *testing.T) {
		signed, err := b.forger.Replay(block.Header, bodies(t, b, block.Header), now)
		require.NoError(t, err)
		require.Len(t, signed.Signatures, 2)

		outsider, err := crypto.GenerateKey()
		require.NoError(t, err)
		sig, err := database.SignBlockHash(block.Hash(), 9, now.Unix(), outsider)
		require.NoError(t, err)
		signed.Signatures = database.AddSignature(signed.Signatures, sig)

		merged, err := a.forger.AddSignatures(signed)
		require.NoError(t, err)
		assert.Len(t, merged.Signatures, 2)
	})

	t.Run("signatures under another index are ignored", func(t *testing.T) {
		third := c.nodes[2]

		sig, err := database.SignBlockHash(block.Hash(), 0, now.Unix(), third.key)
		require.NoError(t, err)

		h := block.Header.Clone()
		h.Signatures = database.AddSignature(h.Signatures, sig)

		merged, err := a.forger.AddSignatures(h)
		require.NoError(t, err)

		_, exists := merged.Signer(third.address)
		assert.False(t, exists)
		assert.Len(t, merged.Signatures, 2)
	})
}

func TestDoubleSign(t *testing.T) {
	c := newChain(t, 4, nil, false)
	a, b, cc, d := c.nodes[0], c.nodes[1], c.nodes[2], c.nodes[3]
	c.transfer(t, 10, 1, 0)

	first, err := a.forger.Propose(now)
	require.NoError(t, err)

	for _, n := range []*node{b, cc} {
		_, err := n.forger.Replay(first.Header, bodies(t, n, first.Header), now)
		require.NoError(t, err)
	}

	ss, err := b.store.SignState()
	require.NoError(t, err)
	assert.Equal(t, database.SignState{Height: 1, BlockHash: first.Hash()}, ss)

	// The proposer abandons the round but can only offer the same block again.
	a.forger.Drop(first.Hash())

	again, err := a.forger.Propose(now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.Hash(), again.Hash())

	// A validator that signed nothing yet builds a competing block.
	second, err := d.forger.Propose(now.Add(time.Second))
	require.NoError(t, err)
	require.NotEqual(t, first.Hash(), second.Hash())
	require.Equal(t, first.Header.Height, second.Header.Height)

	for _, n := range []*node{b, cc} {
		_, err := n.forger.Replay(second.Header, bodies(t, n, second.Header), now.Add(time.Second))
		assert.ErrorIs(t, err, forger.ErrDoubleSign)

		_, exists := n.forger.Pending(second.Hash())
		assert.False(t, exists)
	}

	// The refusal holds across a restart.
	genesisHeader, err := b.store.HeaderByHeight(0)
	require.NoError(t, err)
	genesisSnap, err := b.store.StateSnapshot(genesisHeader.StateRoot)
	require.NoError(t, err)

	restarted := forger.New(forger.Config{
		PrivateKey: b.key,
		Storage:    b.store,
		Mempool:    b.pool,
		VM:         vm.New(vm.Config{BlockReward: reward}),
		MaxTxBlock: 10,
		LastSigned: ss,
	}, genesisHeader, genesisSnap)

	_, err = restarted.Replay(second.Header, bodies(t, b, second.Header), now.Add(time.Second))
	assert.ErrorIs(t, err, forger.ErrDoubleSign)

	// Signing the same block again is allowed.
	b.forger.Prune(0, now.Add(time.Hour))

	signedB, err := b.forger.Replay(first.Header, bodies(t, b, first.Header), now)
	require.NoError(t, err)
	_, exists := signedB.Signer(b.address)
	require.True(t, exists)

	signedC, err := cc.forger.Replay(first.Header, bodies(t, cc, first.Header), now)
	require.NoError(t, err)

	for _, h := range []database.BlockHeader{signedB, signedC} {
		_, err := a.forger.AddSignatures(h)
		require.NoError(t, err)
	}
	require.True(t, a.forger.HasQuorum(first.Hash()))

	_, err = a.forger.Finalize(first.Hash(), now)
	require.NoError(t, err)

	// The validator that signed the competing block still follows the
	// committed one, without adding its signature to it.
	header := a.forger.LatestHeader()

	held, err := d.forger.Replay(header, bodies(t, d, header), now.Add(time.Second))
	require.NoError(t, err)
	_, exists = held.Signer(d.address)
	assert.False(t, exists)

	_, err = d.forger.Finalize(header.BlockHash, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.Hash(), d.forger.LatestHeader().BlockHash)
}

func TestApplyBlock(t *testing.T) {
	c := newChain(t, 4, nil, false)
	a, behind := c.nodes[0], c.nodes[3]
	c.transfer(t, 10, 1, 0)

	block, err := a.forger.Propose(now)
	require.NoError(t, err)

	for _, n := range c.nodes[1:3] {
		signed, err := n.forger.Replay(block.Header, bodies(t, n, block.Header), now)
		require.NoError(t, err)

		_, err = a.forger.AddSignatures(signed)
		require.NoError(t, err)
	}

	_, err = a.forger.Finalize(block.Hash(), now)
	require.NoError(t, err)

	committed, err := a.store.BlockByHeight(1)
	require.NoError(t, err)

	t.Run("without a quorum", func(t *testing.T) {
		blk := committed
		blk.Header = committed.Header.Clone()
		blk.Header.Signatures = blk.Header.Signatures[:2]

		err := behind.forger.ApplyBlock(blk, now)
		assert.ErrorIs(t, err, validate.ErrInsufficientSignatures)
	})

	t.Run("missing bodies", func(t *testing.T) {
		blk := committed
		blk.Transactions = nil

		err := behind.forger.ApplyBlock(blk, now)
		assert.Error(t, err)
	})

	require.Equal(t, uint64(0), behind.forger.LatestHeader().Height)

	require.NoError(t, behind.forger.ApplyBlock(committed, now))

	assert.Equal(t, committed.Hash(), behind.forger.LatestHeader().BlockHash)
	assert.Equal(t, forger.Committed, behind.forger.Phase())
	assert.True(t, behind.pool.IsEmpty())
	assert.Equal(t, uint64(10), behind.forger.Snapshot().Balance(c.bob).Uint64())

	proposer, err := behind.forger.SelectProposer()
	require.NoError(t, err)
	assert.Equal(t, c.nodes[1].address, proposer)

	err = behind.forger.ApplyBlock(committed, now)
	assert.Error(t, err, "a block already committed doesn't follow the last one")
}
