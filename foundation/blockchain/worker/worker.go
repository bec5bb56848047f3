// Package worker implements forging, peer updates, and transaction sharing for
// the blockchain.
package worker

import (
	"sync"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/state"
)

// Config represents the timings the worker runs on.
type Config struct {
	BlockTime        time.Duration
	SignatureTimeout time.Duration
	PeerInterval     time.Duration
	PendingMaxAge    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}
	if cfg.SignatureTimeout <= 0 || cfg.SignatureTimeout >= cfg.BlockTime {
		cfg.SignatureTimeout = cfg.BlockTime / 2
	}
	if cfg.PeerInterval <= 0 {
		cfg.PeerInterval = time.Minute
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 4 * cfg.BlockTime
	}
	return cfg
}

// =============================================================================

// Worker manages the forging workflows for the blockchain.
type Worker struct {
	state      *state.State
	cfg        Config
	wg         sync.WaitGroup
	shut       chan struct{}
	forgeNow   chan struct{}
	txSharing  chan database.Tx
	evHandler  state.EventHandler
	shutdownMu sync.Once
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, evHandler state.EventHandler, cfg Config) *Worker {
	if evHandler == nil {
		evHandler = func(string, ...any) {}
	}

	w := Worker{
		state:     st,
		cfg:       cfg.withDefaults(),
		shut:      make(chan struct{}),
		forgeNow:  make(chan struct{}, 1),
		txSharing: make(chan database.Tx, maxTxShareRequests),
		evHandler: evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Update this node before starting any support G's.
	w.Sync()

	// Load the set of operations we need to run.
	operations := []func(){
		w.peerOperations,
		w.forgeOperations,
		w.shareTxOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work. A forging round in
// flight is allowed to finish.
func (w *Worker) Shutdown() {
	w.shutdownMu.Do(func() {
		w.evHandler("worker: shutdown: started")
		defer w.evHandler("worker: shutdown: completed")

		w.evHandler("worker: shutdown: terminate goroutines")
		close(w.shut)
		w.wg.Wait()
	})
}

// SignalShareTx signals a share transaction operation. If
// maxTxShareRequests signals exist in the channel, we won't send these.
func (w *Worker) SignalShareTx(tx database.Tx) {
	select {
	case w.txSharing <- tx:
		w.evHandler("worker: SignalShareTx: share Tx signaled")
	default:
		w.evHandler("worker: SignalShareTx: queue full, transactions won't be shared.")
	}
}

// SignalForge runs a forging interval without waiting for the ticker. If a
// signal is already pending, just return since an interval will run.
func (w *Worker) SignalForge() {
	select {
	case w.forgeNow <- struct{}{}:
	default:
	}
	w.evHandler("worker: SignalForge: forging signaled")
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
