package worker

import (
	"context"
	"errors"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/forger"
)

// CORE NOTE: The forging operation is managed by this function which runs on
// it's own goroutine. The node starts a loop that ticks every BlockTime. At
// the beginning of each interval every node runs the proposer selection so
// the round robin cursor stays in step across the network. Only the selected
// node proposes, and it waits up to SignatureTimeout for the other validators
// to countersign before it commits or drops the block.

// forgeOperations handles forging.
func (w *Worker) forgeOperations() {
	w.evHandler("worker: forgeOperations: G started")
	defer w.evHandler("worker: forgeOperations: G completed")

	ticker := time.NewTicker(w.cfg.BlockTime)
	defer ticker.Stop()

	// Start this on a BlockTime mark so nodes tick together.
	resetTicker(ticker, w.cfg.BlockTime, w.cfg.BlockTime)

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.runForgeOperation()
			}
		case <-w.forgeNow:
			if !w.isShutdown() {
				w.runForgeOperation()
			}
		case <-w.shut:
			w.evHandler("worker: forgeOperations: received shut signal")
			return
		}

		// Reset the ticker for the next interval.
		resetTicker(ticker, w.cfg.BlockTime, w.cfg.BlockTime)
	}
}

// runForgeOperation runs one forging interval. The round runs to the end
// before the next interval can start.
func (w *Worker) runForgeOperation() {
	w.evHandler("worker: runForgeOperation: started")
	defer w.evHandler("worker: runForgeOperation: completed")

	defer func() {
		if n := w.state.PrunePending(w.cfg.PendingMaxAge); n > 0 {
			w.evHandler("worker: runForgeOperation: pruned pending blocks[%d]", n)
		}
	}()

	// Run the selection algorithm.
	proposer, err := w.state.SelectProposer()
	if err != nil {
		w.evHandler("worker: runForgeOperation: FORGING: WARNING: %s", err)
		return
	}
	w.evHandler("worker: runForgeOperation: SELECTED: %s", proposer)

	// If we are not selected, return and wait for the proposal.
	if proposer != w.state.Address() {
		return
	}

	if !w.state.IsProductionEnabled() {
		w.evHandler("worker: runForgeOperation: FORGING: turned off")
		return
	}

	block, err := w.state.ProposeBlock()
	if err != nil {
		switch {
		case errors.Is(err, forger.ErrNoTransactions):
			w.evHandler("worker: runForgeOperation: FORGING: no transactions in mempool")
		case errors.Is(err, forger.ErrRoundInFlight):
			w.evHandler("worker: runForgeOperation: FORGING: WARNING: round in flight")
		case errors.Is(err, forger.ErrDoubleSign):
			w.evHandler("worker: runForgeOperation: FORGING: WARNING: signed another block at this height")
		default:
			w.evHandler("worker: runForgeOperation: FORGING: ERROR: %s", err)
		}
		return
	}

	t := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SignatureTimeout)
	defer cancel()

	w.state.NetRequestSignatures(ctx, block.Header)

	w.evHandler("worker: runForgeOperation: FORGING: signature collection duration[%v]", time.Since(t))

	if !w.state.HasQuorum(block.Hash()) {
		w.evHandler("worker: runForgeOperation: FORGING: block[%s]: DROPPED: no quorum", block.Header)
		w.state.Drop(block.Hash())
		return
	}

	committed, err := w.state.Finalize(block.Hash())
	if err != nil {
		w.evHandler("worker: runForgeOperation: FORGING: block[%s]: ERROR: %s", block.Header, err)
		w.state.Drop(block.Hash())
		return
	}

	// The announce gets its own deadline since the signature one may have
	// been used up.
	actx, acancel := context.WithTimeout(context.Background(), w.cfg.SignatureTimeout)
	defer acancel()

	w.state.NetAnnounceBlock(actx, committed.Header)
}

// =============================================================================

// resetTicker makes sure the next tick happens on the described cadence.
func resetTicker(ticker *time.Ticker, interval time.Duration, waitOn time.Duration) {
	nextTick := time.Now().Add(interval).Round(waitOn)
	diff := time.Until(nextTick)
	if diff <= 0 {
		diff = interval
	}
	ticker.Reset(diff)
}
