package database

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/signature"
)

// MaxMemoLength is the largest memo in bytes a transaction can carry.
const MaxMemoLength = 256

// Tx is the transactional data submitted by a wallet. Once signed the hash
// is fixed. Confirmed is set once, to the height of the including block.
type Tx struct {
	Sender    Address
	Receiver  Address
	Amount    *uint256.Int
	Fee       *uint256.Int
	Nonce     uint64
	Memo      string
	Signature string
	Hash      string
	Confirmed *uint64
}

// NewTx constructs a new unsigned transaction.
func NewTx(receiver Address, amount uint64, fee uint64, nonce uint64, memo string) (Tx, error) {
	if !receiver.IsAddress() {
		return Tx{}, fmt.Errorf("receiver address is not properly formatted")
	}

	tx := Tx{
		Receiver: receiver,
		Amount:   uint256.NewInt(amount),
		Fee:      uint256.NewInt(fee),
		Nonce:    nonce,
		Memo:     memo,
	}

	return tx, nil
}

// Sign uses the specified private key to sign the transaction. The sender
// is derived from the key.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (Tx, error) {
	tx.Sender = PublicKeyToAddress(privateKey.PublicKey)

	sig, err := signature.Sign(tx.SigningMessage(), privateKey)
	if err != nil {
		return Tx{}, err
	}

	tx.Signature = sig
	tx.Hash = tx.ComputeHash()
	tx.Confirmed = nil

	return tx, nil
}

// SigningMessage returns the message a sender signs: sender-receiver-amount-memo.
func (tx Tx) SigningMessage() []byte {
	return fmt.Appendf(nil, "%s-%s-%s-%s", tx.Sender, tx.Receiver, dec(tx.Amount), tx.Memo)
}

// ComputeHash derives the transaction hash from the sender, receiver,
// amount, fee, nonce and signature.
func (tx Tx) ComputeHash() string {
	return Hash(
		string(tx.Sender),
		string(tx.Receiver),
		dec(tx.Amount),
		dec(tx.Fee),
		strconv.FormatUint(tx.Nonce, 10),
		tx.Signature,
	)
}

// VerifySignature verifies the signature was produced by the sender.
func (tx Tx) VerifySignature() error {
	return signature.Verify(string(tx.Sender), tx.SigningMessage(), tx.Signature)
}

// WithConfirmed returns a copy of the transaction confirmed at the height.
func (tx Tx) WithConfirmed(height uint64) Tx {
	tx.Confirmed = &height
	return tx
}

// MerkleData implements the merkle Hashable interface. The leaf commits to
// the transaction hash.
func (tx Tx) MerkleData() ([]byte, error) {
	if tx.Hash == "" {
		return nil, errors.New("transaction has no hash")
	}
	return []byte(tx.Hash), nil
}

// Equals implements the merkle Hashable interface.
func (tx Tx) Equals(other Tx) bool {
	return tx.Hash == other.Hash
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s:%d", short(string(tx.Sender)), tx.Nonce)
}

// =============================================================================

// txWire is the JSON form of a transaction. Amounts travel as JSON numbers
// so values beyond 64 bits are not rounded.
type txWire struct {
	Sender    Address     `json:"sender"`
	Receiver  Address     `json:"receiver"`
	Amount    json.Number `json:"amount"`
	Fee       json.Number `json:"fee"`
	Nonce     uint64      `json:"nonce"`
	Signature string      `json:"signature"`
	Memo      string      `json:"memo,omitempty"`
	Hash      string      `json:"transaction_hash,omitempty"`
	Confirmed *uint64     `json:"confirmed,omitempty"`
}

// MarshalJSON implements the json.Marshaler interface.
func (tx Tx) MarshalJSON() ([]byte, error) {
	w := txWire{
		Sender:    tx.Sender,
		Receiver:  tx.Receiver,
		Amount:    json.Number(dec(tx.Amount)),
		Fee:       json.Number(dec(tx.Fee)),
		Nonce:     tx.Nonce,
		Signature: tx.Signature,
		Memo:      tx.Memo,
		Hash:      tx.Hash,
		Confirmed: tx.Confirmed,
	}

	return json.Marshal(w)
}

// UnmarshalJSON implements the json.Unmarshaler interface. The hash is
// always recomputed from the decoded fields and never trusted from the wire.
func (tx *Tx) UnmarshalJSON(data []byte) error {
	var w txWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	amount, err := parseAmount(w.Amount)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}

	fee, err := parseAmount(w.Fee)
	if err != nil {
		return fmt.Errorf("fee: %w", err)
	}

	*tx = Tx{
		Sender:    w.Sender,
		Receiver:  w.Receiver,
		Amount:    amount,
		Fee:       fee,
		Nonce:     w.Nonce,
		Memo:      w.Memo,
		Signature: w.Signature,
		Confirmed: w.Confirmed,
	}
	tx.Hash = tx.ComputeHash()

	return nil
}

// =============================================================================

// parseAmount converts a JSON number into an amount. A missing number is
// returned as nil so validation can report the data as incomplete.
func parseAmount(n json.Number) (*uint256.Int, error) {
	if n == "" {
		return nil, nil
	}

	return uint256.FromDecimal(n.String())
}

// dec renders an amount in decimal, treating nil as zero.
func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// short trims long addresses for log output.
func short(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:8] + ".." + s[len(s)-6:]
}
