package state

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/merkle"
	"github.com/nfl0/tinychain/foundation/blockchain/peer"
	"github.com/nfl0/tinychain/foundation/blockchain/storage"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
)

// ErrNotFound is returned when a block or transaction doesn't exist.
var ErrNotFound = storage.ErrNotFound

// Proof is a merkle inclusion proof of a transaction in a block.
type Proof struct {
	TxHash     string   `json:"transaction_hash"`
	BlockHash  string   `json:"block_hash"`
	Height     uint64   `json:"height"`
	MerkleRoot string   `json:"merkle_root"`
	Hashes     []string `json:"proof"`
	Order      []int64  `json:"order"`
}

// =============================================================================

// Balance returns the committed account state for the address.
func (s *State) Balance(address database.Address) (vm.Account, bool) {
	snap := s.forger.Snapshot()
	return snap.Account(address)
}

// Accounts returns a copy of every committed account.
func (s *State) Accounts() map[database.Address]vm.Account {
	snap := s.forger.Snapshot()
	return snap.Accounts()
}

// Validators returns the active validator set ordered by index.
func (s *State) Validators() []vm.Validator {
	return s.forger.Validators()
}

// LatestHeader returns the header of the last committed block.
func (s *State) LatestHeader() database.BlockHeader {
	return s.forger.LatestHeader()
}

// Block returns the committed block with the specified hash.
func (s *State) Block(hash string) (database.Block, error) {
	return s.storage.BlockByHash(hash)
}

// BlockByHeight returns the committed block at the specified height.
func (s *State) BlockByHeight(height uint64) (database.Block, error) {
	return s.storage.BlockByHeight(height)
}

// Transaction returns the transaction with the specified hash, looking in
// the mempool before the committed chain. A pending transaction has no
// confirmed height.
func (s *State) Transaction(hash string) (database.Tx, error) {
	if tx, exists := s.mempool.Get(hash); exists {
		return tx, nil
	}

	return s.storage.Transaction(hash)
}

// TransactionProof returns the inclusion proof for a committed transaction.
func (s *State) TransactionProof(hash string) (Proof, error) {
	tx, err := s.storage.Transaction(hash)
	if err != nil {
		return Proof{}, err
	}

	if tx.Confirmed == nil {
		return Proof{}, errors.New("transaction has no confirmed height")
	}

	block, err := s.storage.BlockByHeight(*tx.Confirmed)
	if err != nil {
		return Proof{}, err
	}

	tree, err := block.TxTree()
	if err != nil {
		return Proof{}, fmt.Errorf("building merkle tree: %w", err)
	}

	hashes, order, err := tree.Proof(tx)
	if err != nil {
		return Proof{}, err
	}

	proof := Proof{
		TxHash:     tx.Hash,
		BlockHash:  block.Hash(),
		Height:     block.Header.Height,
		MerkleRoot: block.Header.MerkleRoot,
		Hashes:     make([]string, len(hashes)),
		Order:      order,
	}
	for i, h := range hashes {
		proof.Hashes[i] = hex.EncodeToString(h)
	}

	return proof, nil
}

// VerifyProof checks the proof leads from the transaction hash to the merkle
// root it names.
func VerifyProof(p Proof) bool {
	root, err := hex.DecodeString(p.MerkleRoot)
	if err != nil {
		return false
	}

	hashes := make([][]byte, len(p.Hashes))
	for i, h := range p.Hashes {
		if hashes[i], err = hex.DecodeString(h); err != nil {
			return false
		}
	}

	h := merkle.DefaultHashStrategy()
	h.Write([]byte(p.TxHash))
	leaf := h.Sum(nil)

	return merkle.VerifyProof(root, leaf, hashes, p.Order, merkle.DefaultHashStrategy)
}

// Mempool returns a copy of the pending transactions ordered by fee.
func (s *State) Mempool() []database.Tx {
	return s.mempool.All()
}

// MempoolLength returns the current length of the mempool.
func (s *State) MempoolLength() int {
	return s.mempool.Count()
}

// Status returns the view of this node shared with peers.
func (s *State) Status() peer.PeerStatus {
	latest := s.forger.LatestHeader()

	return peer.PeerStatus{
		LatestBlockHash:   latest.BlockHash,
		LatestBlockHeight: latest.Height,
		Address:           string(s.address),
		Phase:             s.forger.Phase().String(),
		Production:        s.IsProductionEnabled(),
		Mempool:           s.mempool.Count(),
		KnownPeers:        s.KnownPeers(),
	}
}

// =============================================================================

// KnownPeers retrieves a copy of the known peer list, leaving out this node.
func (s *State) KnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}

// AddKnownPeer provides the ability to add a new peer to the known peer
// list. This node is never added.
func (s *State) AddKnownPeer(pr peer.Peer) bool {
	if pr.Match(s.host) {
		return false
	}
	return s.knownPeers.Add(pr)
}

// RemoveKnownPeer provides the ability to remove a peer from the known
// peer list.
func (s *State) RemoveKnownPeer(pr peer.Peer) {
	s.knownPeers.Remove(pr)
}
