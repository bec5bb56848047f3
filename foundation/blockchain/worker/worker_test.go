package worker_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
	"github.com/nfl0/tinychain/foundation/blockchain/storage"
	"github.com/nfl0/tinychain/foundation/blockchain/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, production bool) (*state.State, database.Tx) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)

	gen := genesis.Genesis{
		Date:        time.Now().Add(-time.Hour).UTC(),
		BlockReward: 10,
		MaxTxBlock:  10,
		Balances:    map[string]uint64{string(database.PublicKeyToAddress(alice.PublicKey)): 100},
		Validators:  []genesis.Validator{{Address: string(database.PublicKeyToAddress(key.PublicKey)), Stake: 50}},
	}

	st, err := state.New(state.Config{
		PrivateKey:     key,
		Host:           "node0",
		Storage:        storage.NewMemory(),
		Genesis:        gen,
		SelectStrategy: "tip",
		Production:     production,
	})
	require.NoError(t, err)

	tx, err := database.NewTx(database.PublicKeyToAddress(key.PublicKey), 40, 1, 0, "")
	require.NoError(t, err)

	tx, err = tx.Sign(alice)
	require.NoError(t, err)

	return st, tx
}

func TestForging(t *testing.T) {
	st, tx := newNode(t, true)

	w := worker.Run(st, nil, worker.Config{BlockTime: time.Hour})
	t.Cleanup(func() { st.Shutdown() })

	_, err := st.SubmitTransaction(tx)
	require.NoError(t, err)

	w.SignalForge()

	require.Eventually(t, func() bool {
		return st.LatestHeader().Height == 1
	}, 5*time.Second, 10*time.Millisecond)

	committed, err := st.Transaction(tx.Hash)
	require.NoError(t, err)
	require.NotNil(t, committed.Confirmed)
	assert.Equal(t, uint64(1), *committed.Confirmed)
	assert.Equal(t, 0, st.MempoolLength())

	proposer, _ := st.Balance(st.Address())
	assert.Equal(t, uint64(50), proposer.Balance.Uint64(), "transfer plus block reward")
}

func TestProductionOff(t *testing.T) {
	st, tx := newNode(t, false)

	w := worker.Run(st, nil, worker.Config{BlockTime: time.Hour})

	_, err := st.SubmitTransaction(tx)
	require.NoError(t, err)

	w.SignalForge()

	assert.Never(t, func() bool {
		return st.LatestHeader().Height > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, st.MempoolLength())

	st.Shutdown()

	// A second shutdown is harmless.
	w.Shutdown()
}
