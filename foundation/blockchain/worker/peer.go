package worker

import (
	"context"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/peer"
)

// peerOperations handles finding new peers.
func (w *Worker) peerOperations() {
	w.evHandler("worker: peerOperations: G started")
	defer w.evHandler("worker: peerOperations: G completed")

	ticker := time.NewTicker(w.cfg.PeerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.runPeersOperation()
			}
		case <-w.shut:
			w.evHandler("worker: peerOperations: received shut signal")
			return
		}
	}
}

// runPeersOperation updates the peer list and catches up with peers that
// are ahead. A peer that doesn't answer is removed until another node
// mentions it again.
func (w *Worker) runPeersOperation() {
	w.evHandler("worker: runPeersOperation: started")
	defer w.evHandler("worker: runPeersOperation: completed")

	for _, pr := range w.state.KnownPeers() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SignatureTimeout)
		peerStatus, err := w.state.NetRequestPeerStatus(ctx, pr)
		cancel()

		if err != nil {
			w.evHandler("worker: runPeersOperation: queryPeerStatus: %s: ERROR: %s", pr.Host, err)
			w.state.RemoveKnownPeer(pr)
			continue
		}

		// Add new peers to this nodes list.
		w.addNewPeers(peerStatus.KnownPeers)

		// If this peer has blocks we don't have, we need to add them.
		if peerStatus.LatestBlockHeight > w.state.LatestHeader().Height {
			w.retrievePeerBlocks(pr, peerStatus.LatestBlockHeight)
		}
	}
}

// addNewPeers takes the list of known peers and makes sure they are included
// in the nodes list of know peers.
func (w *Worker) addNewPeers(knownPeers []peer.Peer) {
	w.evHandler("worker: runPeerUpdatesOperation: addNewPeers: started")
	defer w.evHandler("worker: runPeerUpdatesOperation: addNewPeers: completed")

	for _, pr := range knownPeers {
		if w.state.AddKnownPeer(pr) {
			w.evHandler("worker: runPeerUpdatesOperation: addNewPeers: add peer nodes: adding peer-node %s", pr)
		}
	}
}
