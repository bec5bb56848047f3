package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/peer"
)

// NetRequestSignatures sends the proposed header to every known peer at
// once and merges the signatures that come back. It returns when every
// peer has answered, when the block reaches a quorum or when the context
// is done, whichever happens first. A peer failing doesn't stop the others.
func (s *State) NetRequestSignatures(ctx context.Context, header database.BlockHeader) {
	s.evHandler("state: NetRequestSignatures: started: block[%s]", header)
	defer s.evHandler("state: NetRequestSignatures: completed: block[%s]", header)

	peers := s.KnownPeers()
	if len(peers) == 0 || s.network == nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		peer   peer.Peer
		header database.BlockHeader
		err    error
	}

	results := make(chan result, len(peers))
	for _, pr := range peers {
		go func() {
			signed, err := s.network.RequestSignature(ctx, pr.Host, header)
			results <- result{peer: pr, header: signed, err: err}
		}()
	}

	for range peers {
		select {
		case r := <-results:
			if r.err != nil {
				s.evHandler("state: NetRequestSignatures: peer[%s]: WARNING: %s", r.peer, r.err)
				continue
			}

			merged, err := s.forger.AddSignatures(r.header)
			if err != nil {
				s.evHandler("state: NetRequestSignatures: peer[%s]: WARNING: %s", r.peer, err)
				continue
			}

			s.evHandler("state: NetRequestSignatures: peer[%s]: signatures[%d]", r.peer, len(merged.Signatures))

			if s.forger.HasQuorum(header.BlockHash) {
				return
			}

		case <-ctx.Done():
			s.evHandler("state: NetRequestSignatures: WARNING: %s", ctx.Err())
			return
		}
	}
}

// NetAnnounceBlock sends the committed header to every known peer.
func (s *State) NetAnnounceBlock(ctx context.Context, header database.BlockHeader) {
	s.evHandler("state: NetAnnounceBlock: started: block[%s]", header)
	defer s.evHandler("state: NetAnnounceBlock: completed: block[%s]", header)

	if s.network == nil {
		return
	}

	var wg sync.WaitGroup
	for _, pr := range s.KnownPeers() {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := s.network.AnnounceBlock(ctx, pr.Host, header); err != nil {
				s.evHandler("state: NetAnnounceBlock: peer[%s]: WARNING: %s", pr, err)
			}
		}()
	}
	wg.Wait()
}

// NetShareTx shares a transaction this node accepted with the known peers.
func (s *State) NetShareTx(ctx context.Context, tx database.Tx) {
	s.evHandler("state: NetShareTx: started: tx[%s]", tx)
	defer s.evHandler("state: NetShareTx: completed: tx[%s]", tx)

	if s.network == nil {
		return
	}

	for _, pr := range s.KnownPeers() {
		if err := s.network.ShareTransaction(ctx, pr.Host, tx); err != nil {
			s.evHandler("state: NetShareTx: peer[%s]: WARNING: %s", pr, err)
		}
	}
}

// NetRequestPeerStatus asks the peer for its status and known peers.
func (s *State) NetRequestPeerStatus(ctx context.Context, pr peer.Peer) (peer.PeerStatus, error) {
	s.evHandler("state: NetRequestPeerStatus: started: %s", pr)
	defer s.evHandler("state: NetRequestPeerStatus: completed: %s", pr)

	if s.network == nil {
		return peer.PeerStatus{}, errors.New("no network configured")
	}

	ps, err := s.network.RequestStatus(ctx, pr.Host)
	if err != nil {
		return peer.PeerStatus{}, err
	}

	s.evHandler("state: NetRequestPeerStatus: peer-node[%s]: latest-height[%d]: peer-list[%s]", pr, ps.LatestBlockHeight, ps.KnownPeers)

	return ps, nil
}

// NetRetrievePeerBlocks asks the peer for every block after the last one
// this node committed, up to the specified height, and commits them in
// order. Each block is checked and executed again before it is committed.
func (s *State) NetRetrievePeerBlocks(ctx context.Context, pr peer.Peer, height uint64) error {
	s.evHandler("state: NetRetrievePeerBlocks: started: %s: height[%d]", pr, height)
	defer s.evHandler("state: NetRetrievePeerBlocks: completed: %s", pr)

	if s.network == nil {
		return errors.New("no network configured")
	}

	for {
		next := s.forger.LatestHeader().Height + 1
		if next > height {
			return nil
		}

		block, err := s.network.RequestBlock(ctx, pr.Host, next)
		if err != nil {
			return err
		}

		if err := s.forger.ApplyBlock(block, time.Now()); err != nil {
			return fmt.Errorf("block %d: %w", next, err)
		}

		s.evHandler("state: NetRetrievePeerBlocks: peer[%s]: committed block[%s]", pr, block.Header)
	}
}
