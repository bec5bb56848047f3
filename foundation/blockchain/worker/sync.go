package worker

import (
	"context"

	"github.com/nfl0/tinychain/foundation/blockchain/peer"
)

// Sync updates the peer list and pulls the blocks this node is missing from
// any peer that is ahead of it.
func (w *Worker) Sync() {
	w.evHandler("worker: sync: started")
	defer w.evHandler("worker: sync: completed")

	w.runPeersOperation()
}

// retrievePeerBlocks commits the blocks between this node's latest block and
// the height the peer reported.
func (w *Worker) retrievePeerBlocks(pr peer.Peer, height uint64) {
	w.evHandler("worker: sync: retrievePeerBlocks: %s: latestBlockHeight[%d]", pr.Host, height)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PeerInterval)
	defer cancel()

	if err := w.state.NetRetrievePeerBlocks(ctx, pr, height); err != nil {
		w.evHandler("worker: sync: retrievePeerBlocks: %s: ERROR %s", pr.Host, err)
	}
}
