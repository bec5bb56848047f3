// Package validate implements the stateless checks run against transactions
// and block headers. The checks read from the state they are given and never
// change it.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

// TimeTolerance is how far in the future a block timestamp may be.
const TimeTolerance = 2 * time.Second

// ErrTx is the parent of every transaction validation error.
var ErrTx = errors.New("transaction rejected")

// Set of transaction validation errors.
var (
	ErrIncompleteData      = txError("incomplete data")
	ErrInvalidAddress      = txError("invalid address")
	ErrNonPositiveAmount   = txError("amount must be positive")
	ErrMemoTooLong         = txError("memo too long")
	ErrBadNonce            = txError("bad nonce")
	ErrInsufficientBalance = txError("insufficient balance")
	ErrBadSignature        = txError("bad signature")
)

// ErrBlock is the parent of every block validation error.
var ErrBlock = errors.New("block rejected")

// Set of block validation errors.
var (
	ErrHeightMismatch         = blockError("height mismatch")
	ErrPrevHashMismatch       = blockError("previous block hash mismatch")
	ErrTimestampOutOfRange    = blockError("timestamp out of range")
	ErrHashMismatch           = blockError("block hash mismatch")
	ErrMerkleMismatch         = blockError("merkle root mismatch")
	ErrStateRootMismatch      = blockError("state root mismatch")
	ErrInsufficientSignatures = blockError("insufficient signatures")
	ErrBadProposerSignature   = blockError("bad proposer signature")
	ErrBadValidatorSignature  = blockError("bad validator signature")
	ErrBadSignatureIndex      = blockError("signature index does not match the staking index")
	ErrUnknownProposer        = blockError("proposer is not an active validator")
)

// =============================================================================

// AccountView is the read-only state a transaction is validated against.
type AccountView interface {
	Balance(address database.Address) *uint256.Int
	Nonce(address database.Address) uint64
}

// Transaction checks, in order, the fee, the address format, the amount,
// the memo length, the nonce, the balance and the signature. The first
// failing check is returned.
func Transaction(tx database.Tx, view AccountView) error {
	if tx.Fee == nil || tx.Fee.IsZero() || tx.Amount == nil || tx.Sender == "" || tx.Receiver == "" || tx.Signature == "" {
		return fmt.Errorf("%w: tx[%s]", ErrIncompleteData, tx)
	}

	if !tx.Sender.IsAddress() {
		return fmt.Errorf("%w: sender %q", ErrInvalidAddress, tx.Sender)
	}
	if !tx.Receiver.IsAddress() {
		return fmt.Errorf("%w: receiver %q", ErrInvalidAddress, tx.Receiver)
	}

	if tx.Amount.IsZero() {
		return fmt.Errorf("%w: tx[%s]", ErrNonPositiveAmount, tx)
	}

	if len(tx.Memo) > database.MaxMemoLength {
		return fmt.Errorf("%w: %d bytes", ErrMemoTooLong, len(tx.Memo))
	}

	if exp := view.Nonce(tx.Sender); tx.Nonce != exp {
		return fmt.Errorf("%w: got %d, exp %d", ErrBadNonce, tx.Nonce, exp)
	}

	if bal := view.Balance(tx.Sender); bal.Lt(tx.Amount) {
		return fmt.Errorf("%w: balance %s, amount %s", ErrInsufficientBalance, bal.Dec(), tx.Amount.Dec())
	}

	if err := tx.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}

	return nil
}

// =============================================================================

// BlockHeader runs the full set of header checks: chain linkage, height,
// timestamp, block hash, merkle root, signature quorum and every signature.
// With no parent only the block hash and merkle root are checked.
func BlockHeader(header database.BlockHeader, parent *database.BlockHeader, active []database.Address, now time.Time) error {
	if parent == nil {
		return structure(header)
	}

	if err := linkage(header, *parent, now); err != nil {
		return err
	}

	if err := structure(header); err != nil {
		return err
	}

	isActive := activeSet(active)

	signers := make(map[database.Address]bool)
	for _, sig := range header.Signatures {
		if isActive[sig.ValidatorAddress] {
			signers[sig.ValidatorAddress] = true
		}
	}

	if need := Quorum(len(active)); len(signers) < need {
		return fmt.Errorf("%w: got %d, need %d of %d", ErrInsufficientSignatures, len(signers), need, len(active))
	}

	for _, sig := range header.Signatures {
		if err := sig.Verify(header.BlockHash); err != nil {
			if sig.ValidatorAddress == header.Proposer {
				return fmt.Errorf("%w: %s", ErrBadProposerSignature, err)
			}
			return fmt.Errorf("%w: validator %s: %s", ErrBadValidatorSignature, sig.ValidatorAddress, err)
		}
	}

	return nil
}

// Proposal runs the checks that apply to a header as it arrives from the
// proposer, before any quorum could exist: chain linkage, height,
// timestamp, block hash, merkle root, and the proposer's membership in the
// active set and its signature over the block hash.
func Proposal(header database.BlockHeader, parent database.BlockHeader, active []database.Address, now time.Time) error {
	if err := linkage(header, parent, now); err != nil {
		return err
	}

	if err := structure(header); err != nil {
		return err
	}

	if !activeSet(active)[header.Proposer] {
		return fmt.Errorf("%w: %s", ErrUnknownProposer, header.Proposer)
	}

	sig, exists := header.Signer(header.Proposer)
	if !exists {
		return fmt.Errorf("%w: missing", ErrBadProposerSignature)
	}

	if err := sig.Verify(header.BlockHash); err != nil {
		return fmt.Errorf("%w: %s", ErrBadProposerSignature, err)
	}

	return nil
}

// SignatureIndexes checks every signature from a validator in the set
// carries that validator's staking index. The index orders the signature
// list, so a signer can't pick its own position.
func SignatureIndexes(header database.BlockHeader, indexes map[database.Address]uint64) error {
	for _, sig := range header.Signatures {
		index, exists := indexes[sig.ValidatorAddress]
		if !exists {
			continue
		}

		if sig.ValidatorIndex != index {
			return fmt.Errorf("%w: validator %s: got %d, exp %d", ErrBadSignatureIndex, sig.ValidatorAddress, sig.ValidatorIndex, index)
		}
	}

	return nil
}

// Quorum returns the number of distinct validator signatures required for
// a set of k validators: the ceiling of two thirds of k.
func Quorum(k int) int {
	return (2*k + 2) / 3
}

// =============================================================================

// linkage checks the header follows its parent.
func linkage(header database.BlockHeader, parent database.BlockHeader, now time.Time) error {
	if header.PrevBlockHash != parent.BlockHash {
		return fmt.Errorf("%w: got %s, exp %s", ErrPrevHashMismatch, header.PrevBlockHash, parent.BlockHash)
	}

	if header.Height != parent.Height+1 {
		return fmt.Errorf("%w: got %d, exp %d", ErrHeightMismatch, header.Height, parent.Height+1)
	}

	limit := now.Add(TimeTolerance).Unix()
	if header.Timestamp <= parent.Timestamp || header.Timestamp >= limit {
		return fmt.Errorf("%w: %d not in (%d, %d)", ErrTimestampOutOfRange, header.Timestamp, parent.Timestamp, limit)
	}

	return nil
}

// structure checks the hashes a header carries are the ones its contents
// produce.
func structure(header database.BlockHeader) error {
	if hash := header.ComputeHash(); hash != header.BlockHash {
		return fmt.Errorf("%w: got %s, exp %s", ErrHashMismatch, header.BlockHash, hash)
	}

	if root := header.ComputeMerkleRoot(); root != header.MerkleRoot {
		return fmt.Errorf("%w: got %s, exp %s", ErrMerkleMismatch, header.MerkleRoot, root)
	}

	return nil
}

func activeSet(active []database.Address) map[database.Address]bool {
	m := make(map[database.Address]bool, len(active))
	for _, a := range active {
		m[a] = true
	}
	return m
}

// txError builds a transaction error that also matches ErrTx.
func txError(msg string) error {
	return fmt.Errorf("%w: %s", ErrTx, msg)
}

// blockError builds a block error that also matches ErrBlock.
func blockError(msg string) error {
	return fmt.Errorf("%w: %s", ErrBlock, msg)
}
