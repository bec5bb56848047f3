// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nfl0/tinychain/business/web/errs"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
	"github.com/nfl0/tinychain/foundation/nameservice"
	"github.com/nfl0/tinychain/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
}

// SubmitNodeTransaction adds a transaction shared by a peer to the mempool.
func (h Handlers) SubmitNodeTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	// Decode the JSON in the post call into a transaction. The hash is
	// recomputed while decoding.
	var tx database.Tx
	if err := web.Decode(r, &tx); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	// Ask the state package to add this transaction to the mempool. A
	// transaction already pending is not an error.
	h.Log.Infow("add tran", "traceid", v.TraceID, "sender:nonce", tx, "receiver", h.NS.Lookup(tx.Receiver))
	if err := h.State.UpsertNodeTransaction(tx); err != nil {
		return err
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transactions added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// ProposeBlock takes a header sent by a peer. A new proposal is replayed
// and countersigned. A header this node already holds has its signatures
// merged, which is how a committed block is announced. The header is
// returned with this node's signatures.
func (h Handlers) ProposeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var header database.BlockHeader
	if err := web.Decode(r, &header); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	signed, err := h.State.ReceiveProposedHeader(ctx, header)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, signed, http.StatusOK)
}

// BlockByHeight returns the committed block at a height so a peer that
// fell behind can catch up.
func (h Handlers) BlockByHeight(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	block, err := h.State.BlockByHeight(height)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, block, http.StatusOK)
}

// Transaction returns a transaction body by hash, pending or committed, so
// a peer replaying a block can fill in what it's missing.
func (h Handlers) Transaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	tx, err := h.State.Transaction(web.Param(r, "hash"))
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, tx, http.StatusOK)
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Status(), http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	txs := h.State.Mempool()
	return web.Respond(ctx, w, txs, http.StatusOK)
}
