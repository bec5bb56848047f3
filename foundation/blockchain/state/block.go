package state

import (
	"context"
	"fmt"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/forger"
)

// SelectProposer returns the validator whose turn it is to propose.
func (s *State) SelectProposer() (database.Address, error) {
	return s.forger.SelectProposer()
}

// ProposeBlock assembles, executes and self-signs the next block and holds
// it until enough validators have signed.
func (s *State) ProposeBlock() (database.Block, error) {
	return s.forger.Propose(time.Now())
}

// AddSignatures merges the signatures a peer returned into the pending
// block with the same hash.
func (s *State) AddSignatures(header database.BlockHeader) (database.BlockHeader, error) {
	return s.forger.AddSignatures(header)
}

// HasQuorum reports whether the pending block can be committed.
func (s *State) HasQuorum(hash string) bool {
	return s.forger.HasQuorum(hash)
}

// Finalize commits the pending block with the specified hash.
func (s *State) Finalize(hash string) (database.Block, error) {
	return s.forger.Finalize(hash, time.Now())
}

// Drop abandons the pending block with the specified hash.
func (s *State) Drop(hash string) {
	s.forger.Drop(hash)
}

// PrunePending drops pending blocks that have waited longer than the
// maximum age for a quorum.
func (s *State) PrunePending(maxAge time.Duration) int {
	return s.forger.Prune(maxAge, time.Now())
}

// =============================================================================

// ReceiveProposedHeader processes a header sent by another node. A header
// seen for the first time is replayed and countersigned. A header already
// pending has its signatures merged. Either way the block is committed as
// soon as it reaches a quorum. The header is returned with every signature
// this node holds for it.
func (s *State) ReceiveProposedHeader(ctx context.Context, header database.BlockHeader) (database.BlockHeader, error) {
	s.evHandler("state: ReceiveProposedHeader: started: block[%s] proposer[%s]", header, header.Proposer)
	defer s.evHandler("state: ReceiveProposedHeader: completed: block[%s]", header)

	latest := s.forger.LatestHeader()
	if header.Height <= latest.Height {
		if header.BlockHash == latest.BlockHash {
			return latest, nil
		}
		return database.BlockHeader{}, fmt.Errorf("%w: block %s, latest %s", ErrStaleBlock, header, latest)
	}

	var merged database.BlockHeader

	if _, exists := s.forger.Pending(header.BlockHash); exists {
		h, err := s.forger.AddSignatures(header)
		if err != nil {
			return database.BlockHeader{}, err
		}
		merged = h
	} else {
		txs, err := s.bodies(ctx, header.TxHashes)
		if err != nil {
			return database.BlockHeader{}, err
		}

		h, err := s.forger.Replay(header, txs, time.Now())
		if err != nil {
			s.evHandler("state: ReceiveProposedHeader: block[%s]: REFUSED: %s", header, err)
			return database.BlockHeader{}, err
		}
		merged = h
	}

	if !s.forger.HasQuorum(header.BlockHash) {
		return merged, nil
	}

	block, err := s.forger.Finalize(header.BlockHash, time.Now())
	if err != nil {
		return database.BlockHeader{}, err
	}

	return block.Header, nil
}

// bodies returns the transactions for the hashes in order. Bodies missing
// from the mempool are requested from the known peers.
func (s *State) bodies(ctx context.Context, hashes []string) ([]database.Tx, error) {
	found, missing := s.forger.Bodies(hashes)

	for _, hash := range missing {
		tx, err := s.fetchTransaction(ctx, hash)
		if err != nil {
			return nil, err
		}
		found[hash] = tx
	}

	txs := make([]database.Tx, len(hashes))
	for i, hash := range hashes {
		txs[i] = found[hash]
	}

	return txs, nil
}

// fetchTransaction asks each known peer in turn for the transaction.
func (s *State) fetchTransaction(ctx context.Context, hash string) (database.Tx, error) {
	if s.network != nil {
		for _, pr := range s.KnownPeers() {
			tx, err := s.network.RequestTransaction(ctx, pr.Host, hash)
			if err != nil {
				s.evHandler("state: fetchTransaction: peer[%s]: WARNING: %s", pr, err)
				continue
			}

			s.evHandler("state: fetchTransaction: tx[%s]: fetched from peer[%s]", tx, pr)
			return tx, nil
		}
	}

	return database.Tx{}, fmt.Errorf("%w: %s", forger.ErrMissingTransactions, hash)
}
