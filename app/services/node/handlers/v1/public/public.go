// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nfl0/tinychain/business/sys/validate"
	"github.com/nfl0/tinychain/business/web/errs"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
	"github.com/nfl0/tinychain/foundation/events"
	"github.com/nfl0/tinychain/foundation/nameservice"
	"github.com/nfl0/tinychain/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of public ledger endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// SubmitWalletTransaction adds a new user transaction to the mempool.
func (h Handlers) SubmitWalletTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var st submitTx
	if err := web.Decode(r, &st); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := validate.Check(st); err != nil {
		return err
	}

	tx, err := st.toTx()
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.Log.Infow("add user tran", "traceid", v.TraceID, "sender:nonce", tx, "receiver", h.NS.Lookup(tx.Receiver), "amount", tx.Amount.Dec(), "fee", tx.Fee.Dec())

	hash, err := h.State.SubmitTransaction(tx)
	if err != nil {
		return err
	}

	resp := struct {
		Status string `json:"status"`
		Hash   string `json:"transaction_hash"`
	}{
		Status: "transaction added to mempool",
		Hash:   hash,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Genesis(), http.StatusOK)
}

// Status returns the view this node shares with its peers.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Status(), http.StatusOK)
}

// ToggleProduction flips whether this node produces blocks.
func (h Handlers) ToggleProduction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := struct {
		Production bool `json:"production"`
	}{
		Production: h.State.ToggleProduction(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions, optionally only the
// ones an account sends or receives.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var filter database.Address
	if acct := web.Param(r, "account"); acct != "" {
		address, err := h.NS.Resolve(acct)
		if err != nil {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}
		filter = address
	}

	var txs []tx
	for _, t := range h.State.Mempool() {
		if filter != "" && t.Sender != filter && t.Receiver != filter {
			continue
		}
		txs = append(txs, toTx(h.NS, t))
	}

	return web.Respond(ctx, w, txs, http.StatusOK)
}

// Accounts returns the committed balances for every account or a single one.
func (h Handlers) Accounts(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	blkAccounts := make(map[database.Address]vm.Account)

	switch acct := web.Param(r, "account"); acct {
	case "":
		blkAccounts = h.State.Accounts()

	default:
		address, err := h.NS.Resolve(acct)
		if err != nil {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}

		act, exists := h.State.Balance(address)
		if !exists {
			return errs.NewTrusted(errors.New("account not found"), http.StatusNotFound)
		}
		blkAccounts[address] = act
	}

	acts := make([]account, 0, len(blkAccounts))
	for address, act := range blkAccounts {
		acts = append(acts, account{
			Address: string(address),
			Name:    h.NS.Lookup(address),
			Balance: act.Balance.Dec(),
			Nonce:   act.Nonce,
		})
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].Address < acts[j].Address })

	latest := h.State.LatestHeader()

	ai := actInfo{
		LatestBlock: latest.BlockHash,
		Height:      latest.Height,
		Uncommitted: h.State.MempoolLength(),
		Accounts:    acts,
	}

	return web.Respond(ctx, w, ai, http.StatusOK)
}

// Validators returns the active validator set in proposer order.
func (h Handlers) Validators(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	vals := h.State.Validators()

	resp := make([]validator, len(vals))
	for i, val := range vals {
		resp[i] = validator{
			Address: string(val.Address),
			Name:    h.NS.Lookup(val.Address),
			Index:   val.Index,
			Staked:  val.Staked,
		}
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// BlockByHash returns a committed block.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	blk, err := h.State.Block(web.Param(r, "hash"))
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, h.toBlock(blk), http.StatusOK)
}

// BlockByHeight returns the committed block at a height.
func (h Handlers) BlockByHeight(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	blk, err := h.State.BlockByHeight(height)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, h.toBlock(blk), http.StatusOK)
}

// Transaction returns a transaction by hash. A pending transaction has no
// confirmed height.
func (h Handlers) Transaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	t, err := h.State.Transaction(web.Param(r, "hash"))
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, toTx(h.NS, t), http.StatusOK)
}

// TransactionProof returns a merkle inclusion proof for a committed
// transaction.
func (h Handlers) TransactionProof(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	proof, err := h.State.TransactionProof(web.Param(r, "hash"))
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, proof, http.StatusOK)
}

func (h Handlers) toBlock(blk database.Block) block {
	return block{
		Header:       blk.Header,
		ProposerName: h.NS.Lookup(blk.Header.Proposer),
		Transactions: toTxs(h.NS, blk.Transactions),
	}
}
