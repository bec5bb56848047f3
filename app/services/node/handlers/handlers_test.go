package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/app/services/node/handlers"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
	"github.com/nfl0/tinychain/foundation/blockchain/storage"
	"github.com/nfl0/tinychain/foundation/events"
	"github.com/nfl0/tinychain/foundation/nameservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type node struct {
	public  http.Handler
	private http.Handler
	state   *state.State
	alice   database.Address
	tx      database.Tx
}

func newNode(t *testing.T) node {
	dir := t.TempDir()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, crypto.SaveECDSA(filepath.Join(dir, "alice.ecdsa"), alice))

	ns, err := nameservice.New(dir)
	require.NoError(t, err)

	aliceAddr := database.PublicKeyToAddress(alice.PublicKey)

	st, err := state.New(state.Config{
		PrivateKey: key,
		Host:       "node0",
		Storage:    storage.NewMemory(),
		Genesis: genesis.Genesis{
			Date:       time.Now().Add(-time.Hour).UTC(),
			MaxTxBlock: 10,
			Balances:   map[string]uint64{string(aliceAddr): 100},
			Validators: []genesis.Validator{{Address: string(database.PublicKeyToAddress(key.PublicKey)), Stake: 10}},
		},
		SelectStrategy: "tip",
		Production:     true,
	})
	require.NoError(t, err)

	tx, err := database.NewTx(database.PublicKeyToAddress(key.PublicKey), 25, 2, 0, "coffee")
	require.NoError(t, err)
	tx, err = tx.Sign(alice)
	require.NoError(t, err)

	cfg := handlers.MuxConfig{
		Log:   zap.NewNop().Sugar(),
		State: st,
		NS:    ns,
		Evts:  events.New(),
	}

	return node{
		public:  handlers.PublicMux(cfg),
		private: handlers.PrivateMux(cfg),
		state:   st,
		alice:   aliceAddr,
		tx:      tx,
	}
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload string
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = string(data)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(payload)))
	return w
}

func TestPublicRoutes(t *testing.T) {
	n := newNode(t)

	w := call(t, n.public, http.MethodPost, "/v1/tx/submit", n.tx)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), n.tx.Hash)

	w = call(t, n.public, http.MethodPost, "/v1/tx/submit", n.tx)
	assert.Equal(t, http.StatusOK, w.Code, "resubmission is a no-op")

	bad := map[string]any{"sender": "xyz", "receiver": string(n.alice), "amount": 1, "fee": 1, "nonce": 1, "signature": "00"}
	w = call(t, n.public, http.MethodPost, "/v1/tx/submit", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "sender")

	w = call(t, n.public, http.MethodGet, "/v1/tx/uncommitted/list/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sender_name":"alice"`)

	w = call(t, n.public, http.MethodGet, "/v1/accounts/list/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"100"`)
	assert.Contains(t, w.Body.String(), `"uncommitted":1`)

	w = call(t, n.public, http.MethodGet, "/v1/tx/"+n.tx.Hash+"/proof", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "a pending transaction has no proof")

	block, err := n.state.ProposeBlock()
	require.NoError(t, err)
	_, err = n.state.Finalize(block.Hash())
	require.NoError(t, err)

	w = call(t, n.public, http.MethodGet, "/v1/block/height/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), block.Hash())

	w = call(t, n.public, http.MethodGet, "/v1/block/"+block.Hash(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"confirmed":1`)

	w = call(t, n.public, http.MethodGet, "/v1/block/height/7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(t, n.public, http.MethodGet, "/v1/tx/"+n.tx.Hash+"/proof", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var proof state.Proof
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &proof))
	assert.True(t, state.VerifyProof(proof))

	w = call(t, n.public, http.MethodGet, "/v1/validators/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"staked":"10"`)

	w = call(t, n.public, http.MethodPost, "/v1/production/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"production":false}`, w.Body.String())
	assert.False(t, n.state.IsProductionEnabled())
}

func TestPrivateRoutes(t *testing.T) {
	n := newNode(t)

	w := call(t, n.private, http.MethodPost, "/v1/node/tx/submit", n.tx)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, n.private, http.MethodGet, "/v1/node/tx/"+n.tx.Hash, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tx database.Tx
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
	assert.Equal(t, n.tx.Hash, tx.Hash)

	w = call(t, n.private, http.MethodGet, "/v1/node/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mempool":1`)

	latest := n.state.LatestHeader()
	w = call(t, n.private, http.MethodGet, fmt.Sprintf("/v1/node/block/height/%d", latest.Height), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var block database.Block
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &block))
	assert.Equal(t, latest.BlockHash, block.Header.BlockHash)

	w = call(t, n.private, http.MethodGet, "/v1/node/block/height/tip", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, n.private, http.MethodPost, "/v1/node/block/propose", latest)
	require.Equal(t, http.StatusOK, w.Code, "the committed header is acknowledged")

	stale := database.NewBlock(0, latest.Timestamp, database.ZeroHash, "ab", n.alice, nil).Header
	w = call(t, n.private, http.MethodPost, "/v1/node/block/propose", stale)
	assert.Equal(t, http.StatusConflict, w.Code)
}
