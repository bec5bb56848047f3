package state

import (
	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool"
	"github.com/nfl0/tinychain/foundation/blockchain/validate"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
)

// SubmitTransaction accepts a transaction from a wallet for inclusion and
// returns its hash. Submitting a transaction that is already pending is a
// no-op. An accepted transaction is shared with the known peers.
func (s *State) SubmitTransaction(tx database.Tx) (string, error) {
	added, err := s.admit(tx)
	if err != nil {
		return "", err
	}

	if added && s.Worker != nil {
		s.Worker.SignalShareTx(tx)
	}

	return tx.Hash, nil
}

// UpsertNodeTransaction accepts a transaction shared by a peer.
func (s *State) UpsertNodeTransaction(tx database.Tx) error {
	_, err := s.admit(tx)
	return err
}

// =============================================================================

// admit validates the transaction against the committed state plus what the
// sender already has pending, then stages it.
func (s *State) admit(tx database.Tx) (bool, error) {
	tx.Hash = tx.ComputeHash()
	tx.Confirmed = nil

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if _, exists := s.mempool.Get(tx.Hash); exists {
		return false, nil
	}

	view := pendingView{snapshot: s.forger.Snapshot(), pool: s.mempool}
	if err := validate.Transaction(tx, view); err != nil {
		s.evHandler("state: admit: tx[%s]: REJECTED: %s", tx, err)
		return false, err
	}

	added, err := s.mempool.Add(tx)
	if err != nil {
		return false, err
	}

	if added {
		s.evHandler("state: admit: tx[%s]: accepted: hash[%s]", tx, tx.Hash)
	}

	return added, nil
}

// pendingView layers the sender's pending transactions over the committed
// state: the next nonce follows the pending ones and their amounts are
// already spoken for.
type pendingView struct {
	snapshot vm.Snapshot
	pool     *mempool.Mempool
}

// Balance implements the validate AccountView interface.
func (v pendingView) Balance(address database.Address) *uint256.Int {
	bal := v.snapshot.Balance(address)

	_, pending := v.pool.Pending(address)
	if bal.Lt(pending) {
		return new(uint256.Int)
	}

	return new(uint256.Int).Sub(bal, pending)
}

// Nonce implements the validate AccountView interface.
func (v pendingView) Nonce(address database.Address) uint64 {
	count, _ := v.pool.Pending(address)
	return v.snapshot.Nonce(address) + uint64(count)
}
