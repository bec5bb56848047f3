// Package state is the core API for the blockchain and implements all the
// business rules and processing.
package state

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/forger"
	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool"
	"github.com/nfl0/tinychain/foundation/blockchain/peer"
	"github.com/nfl0/tinychain/foundation/blockchain/storage"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
)

// ErrStaleBlock is returned when a header arrives for a height this node
// already committed with a different block.
var ErrStaleBlock = errors.New("block is behind the chain")

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for forging, peer updates, and transaction sharing.
type Worker interface {
	Shutdown()
	SignalShareTx(tx database.Tx)
}

// Network interface represents the calls a node makes to its peers.
type Network interface {
	RequestSignature(ctx context.Context, host string, header database.BlockHeader) (database.BlockHeader, error)
	AnnounceBlock(ctx context.Context, host string, header database.BlockHeader) error
	RequestTransaction(ctx context.Context, host string, hash string) (database.Tx, error)
	ShareTransaction(ctx context.Context, host string, tx database.Tx) error
	RequestStatus(ctx context.Context, host string) (peer.PeerStatus, error)
	RequestBlock(ctx context.Context, host string, height uint64) (database.Block, error)
}

// =============================================================================

// Config represents the configuration required to start
// the blockchain node.
type Config struct {
	PrivateKey     *ecdsa.PrivateKey
	Host           string
	Storage        *storage.Storage
	Genesis        genesis.Genesis
	SelectStrategy string
	KnownPeers     *peer.PeerSet
	Network        Network
	MaxTxPool      int
	Production     bool
	ForgeEmpty     bool
	EvHandler      EventHandler
}

// State manages the blockchain database.
type State struct {
	address    database.Address
	host       string
	evHandler  EventHandler
	production atomic.Bool

	knownPeers *peer.PeerSet
	network    Network
	genesis    genesis.Genesis
	storage    *storage.Storage
	mempool    *mempool.Mempool
	forger     *forger.Forger

	// admitMu serializes admission so two transactions can't both pass
	// validation against the same pending view.
	admitMu sync.Mutex

	Worker Worker
}

// New constructs a new blockchain for data management. An empty store is
// initialized with the genesis block, otherwise the node resumes from the
// last committed block and its state snapshot.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	machine := vm.New(vm.Config{
		BlockReward: cfg.Genesis.BlockReward,
		EvHandler:   ev,
	})

	last, snap, err := load(cfg.Storage, cfg.Genesis, machine, ev)
	if err != nil {
		return nil, err
	}

	signed, err := cfg.Storage.SignState()
	if err != nil {
		return nil, err
	}

	// Construct a mempool with the specified select strategy.
	pool, err := mempool.NewWithStrategy(cfg.MaxTxPool, cfg.SelectStrategy)
	if err != nil {
		return nil, err
	}

	frg := forger.New(forger.Config{
		PrivateKey: cfg.PrivateKey,
		Storage:    cfg.Storage,
		Mempool:    pool,
		VM:         machine,
		MaxTxBlock: int(cfg.Genesis.MaxTxBlock),
		ForgeEmpty: cfg.ForgeEmpty,
		LastSigned: signed,
		EvHandler:  ev,
	}, last, snap)

	knownPeers := cfg.KnownPeers
	if knownPeers == nil {
		knownPeers = peer.NewPeerSet()
	}

	// Create the State to provide support for managing the blockchain.
	state := State{
		address:   database.PublicKeyToAddress(cfg.PrivateKey.PublicKey),
		host:      cfg.Host,
		evHandler: ev,

		knownPeers: knownPeers,
		network:    cfg.Network,
		genesis:    cfg.Genesis,
		storage:    cfg.Storage,
		mempool:    pool,
		forger:     frg,
	}
	state.production.Store(cfg.Production)

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &state, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all blockchain writing activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	// Make sure the database is properly closed.
	return s.storage.Close()
}

// =============================================================================

// Address returns the address this node signs with.
func (s *State) Address() database.Address {
	return s.address
}

// Host returns a copy of host information.
func (s *State) Host() string {
	return s.host
}

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// ToggleProduction flips whether this node produces blocks and returns the
// new setting. A round already in flight is allowed to finish.
func (s *State) ToggleProduction() bool {
	for {
		current := s.production.Load()
		if s.production.CompareAndSwap(current, !current) {
			s.evHandler("state: ToggleProduction: production[%t]", !current)
			return !current
		}
	}
}

// IsProductionEnabled reports whether this node produces blocks.
func (s *State) IsProductionEnabled() bool {
	return s.production.Load()
}

// Phase returns the phase of the current forging round.
func (s *State) Phase() forger.Phase {
	return s.forger.Phase()
}

// =============================================================================

// load returns the last committed header and its snapshot, writing the
// genesis block first when the store is empty.
func load(strg *storage.Storage, gen genesis.Genesis, machine *vm.VM, ev EventHandler) (database.BlockHeader, vm.Snapshot, error) {
	empty, err := strg.IsEmpty()
	if err != nil {
		return database.BlockHeader{}, vm.Snapshot{}, err
	}

	if empty {
		snap, root, err := machine.Genesis(gen)
		if err != nil {
			return database.BlockHeader{}, vm.Snapshot{}, fmt.Errorf("genesis: %w", err)
		}

		block := database.NewBlock(0, gen.Date.Unix(), database.ZeroHash, root, database.GenesisProposer, nil)
		if err := strg.Commit(block, snap); err != nil {
			return database.BlockHeader{}, vm.Snapshot{}, fmt.Errorf("genesis: %w", err)
		}

		ev("state: load: genesis: block[%s] validators[%d]", block.Header, len(gen.Validators))

		return block.Header, snap, nil
	}

	last, err := strg.LastHeader()
	if err != nil {
		return database.BlockHeader{}, vm.Snapshot{}, err
	}

	snap, err := strg.StateSnapshot(last.StateRoot)
	if err != nil {
		return database.BlockHeader{}, vm.Snapshot{}, err
	}

	ev("state: load: resumed: block[%s]", last)

	return last, snap, nil
}
