package public

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/nameservice"
)

// submitTx is what a wallet posts. Amounts are JSON numbers so values
// beyond 64 bits are not rounded.
type submitTx struct {
	Sender    string      `json:"sender" validate:"required,address"`
	Receiver  string      `json:"receiver" validate:"required,address"`
	Amount    json.Number `json:"amount" validate:"required,numeric"`
	Fee       json.Number `json:"fee" validate:"required,numeric"`
	Nonce     uint64      `json:"nonce"`
	Memo      string      `json:"memo" validate:"max=256"`
	Signature string      `json:"signature" validate:"required"`
}

func (st submitTx) toTx() (database.Tx, error) {
	amount, err := uint256.FromDecimal(st.Amount.String())
	if err != nil {
		return database.Tx{}, fmt.Errorf("amount: %w", err)
	}

	fee, err := uint256.FromDecimal(st.Fee.String())
	if err != nil {
		return database.Tx{}, fmt.Errorf("fee: %w", err)
	}

	tx := database.Tx{
		Sender:    database.Address(st.Sender),
		Receiver:  database.Address(st.Receiver),
		Amount:    amount,
		Fee:       fee,
		Nonce:     st.Nonce,
		Memo:      st.Memo,
		Signature: st.Signature,
	}
	tx.Hash = tx.ComputeHash()

	return tx, nil
}

type tx struct {
	Hash         string  `json:"transaction_hash"`
	Sender       string  `json:"sender"`
	SenderName   string  `json:"sender_name"`
	Receiver     string  `json:"receiver"`
	ReceiverName string  `json:"receiver_name"`
	Amount       string  `json:"amount"`
	Fee          string  `json:"fee"`
	Nonce        uint64  `json:"nonce"`
	Memo         string  `json:"memo,omitempty"`
	Signature    string  `json:"signature"`
	Confirmed    *uint64 `json:"confirmed,omitempty"`
}

func toTx(ns *nameservice.NameService, t database.Tx) tx {
	return tx{
		Hash:         t.Hash,
		Sender:       string(t.Sender),
		SenderName:   ns.Lookup(t.Sender),
		Receiver:     string(t.Receiver),
		ReceiverName: ns.Lookup(t.Receiver),
		Amount:       t.Amount.Dec(),
		Fee:          t.Fee.Dec(),
		Nonce:        t.Nonce,
		Memo:         t.Memo,
		Signature:    t.Signature,
		Confirmed:    t.Confirmed,
	}
}

func toTxs(ns *nameservice.NameService, dbTxs []database.Tx) []tx {
	txs := make([]tx, len(dbTxs))
	for i, t := range dbTxs {
		txs[i] = toTx(ns, t)
	}
	return txs
}

type block struct {
	Header       database.BlockHeader `json:"header"`
	ProposerName string               `json:"proposer_name"`
	Transactions []tx                 `json:"transactions"`
}

type account struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type actInfo struct {
	LatestBlock string    `json:"latest_block"`
	Height      uint64    `json:"height"`
	Uncommitted int       `json:"uncommitted"`
	Accounts    []account `json:"accounts"`
}

type validator struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Index   uint64 `json:"index"`
	Staked  string `json:"staked"`
}
