// Package forger runs the block production protocol: round-robin proposer
// selection, proposing, replaying and countersigning, and committing once
// a quorum of validators has signed.
package forger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool"
	"github.com/nfl0/tinychain/foundation/blockchain/validate"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
)

// Set of errors returned by the forger.
var (
	ErrNoProposer          = errors.New("no active validators to select a proposer from")
	ErrNotPending          = errors.New("block is not pending")
	ErrNoQuorum            = errors.New("block has not reached quorum")
	ErrMissingTransactions = errors.New("block transactions are not available")
	ErrNoTransactions      = errors.New("no transactions to propose")
	ErrRoundInFlight       = errors.New("a proposed block is already in flight")
	ErrNotProposer         = errors.New("node is not the selected proposer")
	ErrDoubleSign          = errors.New("a different block was already signed at this height")
)

// Store is the persistence the forger commits blocks and its sign state to.
type Store interface {
	Commit(block database.Block, snapshot vm.Snapshot) error
	PutSignState(ss database.SignState) error
}

// Config represents the configuration required to construct the forger.
type Config struct {
	PrivateKey *ecdsa.PrivateKey
	Storage    Store
	Mempool    *mempool.Mempool
	VM         *vm.VM
	MaxTxBlock int
	ForgeEmpty bool
	LastSigned database.SignState
	EvHandler  func(v string, args ...any)
}

// pendingBlock is a block waiting for signatures along with the state it
// produces.
type pendingBlock struct {
	block    database.Block
	snapshot vm.Snapshot
	created  time.Time
}

// Forger manages the forging rounds for a node. The last committed header
// and its state snapshot are the base every new block builds on.
type Forger struct {
	privateKey *ecdsa.PrivateKey
	address    database.Address
	storage    Store
	mempool    *mempool.Mempool
	vm         *vm.VM
	maxTxBlock int
	forgeEmpty bool
	evHandler  func(v string, args ...any)

	mu       sync.Mutex
	last     database.BlockHeader
	snapshot vm.Snapshot
	cursor   int
	phase    Phase
	pending  map[string]*pendingBlock
	signed   database.SignState
	locked   *pendingBlock
}

// New constructs a forger that builds on the specified header and the
// snapshot it committed.
func New(cfg Config, last database.BlockHeader, snapshot vm.Snapshot) *Forger {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	f := Forger{
		privateKey: cfg.PrivateKey,
		address:    database.PublicKeyToAddress(cfg.PrivateKey.PublicKey),
		storage:    cfg.Storage,
		mempool:    cfg.Mempool,
		vm:         cfg.VM,
		maxTxBlock: cfg.MaxTxBlock,
		forgeEmpty: cfg.ForgeEmpty,
		evHandler:  ev,
		last:       last,
		snapshot:   snapshot,
		phase:      Idle,
		pending:    make(map[string]*pendingBlock),
		signed:     cfg.LastSigned,
	}

	f.syncCursor(last.Proposer)

	return &f
}

// =============================================================================

// Address returns the address this forger signs with.
func (f *Forger) Address() database.Address {
	return f.address
}

// Phase returns the state of the current round.
func (f *Forger) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.phase
}

// LatestHeader returns the last committed header.
func (f *Forger) LatestHeader() database.BlockHeader {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.last.Clone()
}

// Snapshot returns the state as of the last committed block.
func (f *Forger) Snapshot() vm.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.snapshot
}

// Validators returns the active validator set ordered by index.
func (f *Forger) Validators() []vm.Validator {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.snapshot.Validators()
}

// Pending returns the pending block with the specified hash.
func (f *Forger) Pending(hash string) (database.Block, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pb, exists := f.pending[hash]
	if !exists {
		return database.Block{}, false
	}

	return copyBlock(pb.block), true
}

// PendingCount returns the number of blocks waiting for signatures.
func (f *Forger) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pending)
}

// =============================================================================

// SelectProposer returns the validator whose turn it is to propose and
// moves the cursor to the next one. Validators take turns in index order.
func (f *Forger) SelectProposer() (database.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	active := f.snapshot.ActiveAddresses()
	if len(active) == 0 {
		f.phase = Idle
		return "", ErrNoProposer
	}

	proposer := active[f.cursor%len(active)]
	f.cursor = (f.cursor + 1) % len(active)

	if proposer == f.address {
		f.phase = ProposerSelected
	} else {
		f.phase = AwaitingProposal
	}

	f.evHandler("forger: SelectProposer: proposer[%s] self[%t]", short(proposer), proposer == f.address)

	return proposer, nil
}

// SyncCursor moves the cursor to the validator after the specified
// proposer so every node agrees on the next turn after a commit.
func (f *Forger) SyncCursor(proposer database.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncCursor(proposer)
}

func (f *Forger) syncCursor(proposer database.Address) {
	active := f.snapshot.ActiveAddresses()
	for i, a := range active {
		if a == proposer {
			f.cursor = (i + 1) % len(active)
			return
		}
	}
}

// =============================================================================

// Propose assembles the next block from the mempool, executes it, signs it
// and holds it as pending. Candidates are taken in the mempool's selection
// order and each is validated against the state left by the ones before it.
// When this node already signed a block at the next height, that block is
// offered again instead.
func (f *Forger) Propose(now time.Time) (database.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, pb := range f.pending {
		if pb.block.Header.Proposer == f.address {
			return database.Block{}, ErrRoundInFlight
		}
	}

	stake, exists := f.snapshot.Stake(f.address)
	if !exists || stake.Status != vm.StatusActive {
		return database.Block{}, ErrNotProposer
	}

	if f.signed.Height == f.last.Height+1 && f.signed.BlockHash != "" {
		return f.proposeSigned(now)
	}

	if f.mempool.IsEmpty() && !f.forgeEmpty {
		return database.Block{}, ErrNoTransactions
	}

	f.phase = Proposing
	f.evHandler("forger: Propose: started: height[%d]", f.last.Height+1)

	exec := f.vm.Begin(f.address, f.snapshot)

	var included []database.Tx
	for _, tx := range f.mempool.PickBest(-1) {
		if f.maxTxBlock > 0 && len(included) == f.maxTxBlock {
			break
		}

		if err := validate.Transaction(tx, exec.View()); err != nil {
			f.evHandler("forger: Propose: tx[%s]: skipped: %s", tx, err)

			if tx.Nonce < f.snapshot.Nonce(tx.Sender) {
				f.mempool.Remove(tx.Hash)
			}
			continue
		}

		out, err := exec.Apply(tx)
		if err != nil {
			f.phase = Dropped
			return database.Block{}, fmt.Errorf("apply tx[%s]: %w", tx, err)
		}

		if out == vm.Applied {
			included = append(included, tx)
		}
	}

	if len(included) == 0 && !f.forgeEmpty {
		f.phase = Idle
		return database.Block{}, ErrNoTransactions
	}

	snap, root, err := exec.Finish()
	if err != nil {
		f.phase = Dropped
		return database.Block{}, err
	}

	timestamp := now.Unix()
	if timestamp <= f.last.Timestamp {
		timestamp = f.last.Timestamp + 1
	}

	block := database.NewBlock(f.last.Height+1, timestamp, f.last.BlockHash, root, f.address, included)

	sig, err := f.sign(block.Header, stake.Index, timestamp)
	if err != nil {
		f.phase = Dropped
		return database.Block{}, fmt.Errorf("sign block: %w", err)
	}
	block.Header.Signatures = database.AddSignature(block.Header.Signatures, sig)

	pb := pendingBlock{block: block, snapshot: snap, created: now}
	f.pending[block.Hash()] = &pb
	f.locked = &pb
	f.phase = CollectingSignatures

	f.evHandler("forger: Propose: completed: block[%s] txs[%d] stateRoot[%s]", block.Header, len(included), short(database.Address(root)))

	return copyBlock(block), nil
}

// Bodies looks up the transactions for the hashes in the mempool. The
// hashes that couldn't be found are returned as missing.
func (f *Forger) Bodies(hashes []string) (map[string]database.Tx, []string) {
	found := make(map[string]database.Tx, len(hashes))

	var missing []string
	for _, hash := range hashes {
		tx, exists := f.mempool.Get(hash)
		if !exists {
			missing = append(missing, hash)
			continue
		}
		found[hash] = tx
	}

	return found, missing
}

// Replay validates a proposed header, re-executes its transactions against
// the last committed state and, when the roots match, countersigns it and
// holds it as pending. A header already pending has its signatures merged
// instead, and the last committed header is returned as is. Nodes outside
// the active set replay without signing. A validator that already signed a
// different block at the height refuses, unless the header already carries
// a quorum, in which case it is held without this node's signature.
func (f *Forger) Replay(header database.BlockHeader, txs []database.Tx, now time.Time) (database.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if header.BlockHash == f.last.BlockHash {
		return f.last.Clone(), nil
	}

	if pb, exists := f.pending[header.BlockHash]; exists {
		f.mergeSignatures(pb, header)
		return pb.block.Header.Clone(), nil
	}

	f.phase = ReplayingAndSigning
	f.evHandler("forger: Replay: started: block[%s] proposer[%s]", header, short(header.Proposer))

	active := f.snapshot.ActiveAddresses()

	if err := validate.Proposal(header, f.last, active, now); err != nil {
		f.phase = Dropped
		return database.BlockHeader{}, err
	}

	if err := validate.SignatureIndexes(header, f.indexes()); err != nil {
		f.phase = Dropped
		return database.BlockHeader{}, err
	}

	stake, isValidator := f.snapshot.Stake(f.address)
	isValidator = isValidator && stake.Status == vm.StatusActive

	conflict := isValidator && f.signed.Conflicts(header.Height, header.BlockHash)
	if conflict && signers(header, active) < validate.Quorum(len(active)) {
		f.phase = Dropped
		f.evHandler("forger: Replay: block[%s]: REFUSED: already signed block[%s] at this height", header, short(database.Address(f.signed.BlockHash)))
		return database.BlockHeader{}, fmt.Errorf("%w: height %d, signed %s", ErrDoubleSign, header.Height, f.signed.BlockHash)
	}

	block := database.Block{Header: header.Clone(), Transactions: append([]database.Tx(nil), txs...)}
	if err := block.Validate(); err != nil {
		f.phase = Dropped
		return database.BlockHeader{}, fmt.Errorf("%w: %s", ErrMissingTransactions, err)
	}

	snap, err := f.execute(block)
	if err != nil {
		f.phase = Dropped
		return database.BlockHeader{}, err
	}

	// Only signatures that verify are carried over from the header.
	block.Header.Signatures = []database.Signature{}

	signed := false
	if isValidator && !conflict {
		sig, err := f.sign(header, stake.Index, now.Unix())
		if err != nil {
			f.phase = Dropped
			return database.BlockHeader{}, fmt.Errorf("sign block: %w", err)
		}
		block.Header.Signatures = database.AddSignature(block.Header.Signatures, sig)
		signed = true
	}

	pb := pendingBlock{block: block, snapshot: snap, created: now}
	f.pending[header.BlockHash] = &pb
	f.mergeSignatures(&pb, header)

	if signed {
		f.locked = &pb
	}

	f.phase = CollectingSignatures
	f.evHandler("forger: Replay: completed: block[%s] signatures[%d]", header, len(pb.block.Header.Signatures))

	return pb.block.Header.Clone(), nil
}

// AddSignatures merges the signatures carried by the header into the
// pending block with the same hash. Signatures that don't verify or that
// come from outside the active set are ignored.
func (f *Forger) AddSignatures(header database.BlockHeader) (database.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pb, exists := f.pending[header.BlockHash]
	if !exists {
		return database.BlockHeader{}, fmt.Errorf("%w: %s", ErrNotPending, header)
	}

	f.mergeSignatures(pb, header)

	return pb.block.Header.Clone(), nil
}

// HasQuorum reports whether the pending block has enough signatures from
// distinct active validators to be committed.
func (f *Forger) HasQuorum(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	pb, exists := f.pending[hash]
	if !exists {
		return false
	}

	active := f.snapshot.ActiveAddresses()
	return signers(pb.block.Header, active) >= validate.Quorum(len(active))
}

// Finalize commits the pending block once it has a quorum. The block and
// its state are persisted first. Only then are its transactions evicted
// from the mempool and the last block pointer advanced, so a failed write
// leaves the node as it was.
func (f *Forger) Finalize(hash string, now time.Time) (database.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pb, exists := f.pending[hash]
	if !exists {
		return database.Block{}, fmt.Errorf("%w: %s", ErrNotPending, short(database.Address(hash)))
	}

	header := pb.block.Header

	if err := f.checkCommitted(header, now); err != nil {
		if errors.Is(err, validate.ErrInsufficientSignatures) {
			return database.Block{}, fmt.Errorf("%w: %s", ErrNoQuorum, err)
		}

		delete(f.pending, hash)
		f.phase = Dropped
		f.evHandler("forger: Finalize: block[%s]: DROPPED: %s", header, err)
		return database.Block{}, err
	}

	if err := f.commit(pb.block, pb.snapshot); err != nil {
		delete(f.pending, hash)
		f.phase = Dropped
		f.evHandler("forger: Finalize: block[%s]: ERROR: %s", header, err)
		return database.Block{}, err
	}

	f.evHandler("forger: Finalize: committed: block[%s] txs[%d] signatures[%d]", header, len(header.TxHashes), len(header.Signatures))

	block := copyBlock(pb.block)
	for i := range block.Transactions {
		block.Transactions[i] = block.Transactions[i].WithConfirmed(header.Height)
	}

	return block, nil
}

// ApplyBlock commits a block the rest of the network already committed, to
// catch up with the chain. The header must follow the last committed block
// and carry a quorum of the active set, and its transactions must produce
// the state root it commits to.
func (f *Forger) ApplyBlock(block database.Block, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	header := block.Header

	if err := f.checkCommitted(header, now); err != nil {
		return err
	}

	if err := block.Validate(); err != nil {
		return err
	}

	snap, err := f.execute(block)
	if err != nil {
		return err
	}

	if err := f.commit(block, snap); err != nil {
		return err
	}

	f.evHandler("forger: ApplyBlock: committed: block[%s] txs[%d] signatures[%d]", header, len(header.TxHashes), len(header.Signatures))

	return nil
}

// Drop abandons the pending block. The round is void. A block this node
// signed may still be offered again at the same height.
func (f *Forger) Drop(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.pending[hash]; !exists {
		return
	}

	delete(f.pending, hash)
	f.phase = Dropped

	f.evHandler("forger: Drop: block[%s]", short(database.Address(hash)))
}

// Prune drops every pending block older than the maximum age and returns
// how many were dropped.
func (f *Forger) Prune(maxAge time.Duration, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for hash, pb := range f.pending {
		if now.Sub(pb.created) > maxAge {
			delete(f.pending, hash)
			n++
		}
	}

	if n > 0 {
		f.phase = Dropped
		f.evHandler("forger: Prune: dropped[%d]", n)
	}

	return n
}

// =============================================================================

// mergeSignatures adds the verified signatures of active validators from
// the header to the pending block. The caller must hold the lock.
func (f *Forger) mergeSignatures(pb *pendingBlock, header database.BlockHeader) {
	indexes := f.indexes()

	for _, sig := range header.Signatures {
		index, active := indexes[sig.ValidatorAddress]
		if !active {
			continue
		}

		if sig.ValidatorIndex != index {
			f.evHandler("forger: mergeSignatures: validator[%s]: ignored: index got[%d] exp[%d]", short(sig.ValidatorAddress), sig.ValidatorIndex, index)
			continue
		}

		if current, exists := pb.block.Header.Signer(sig.ValidatorAddress); exists && current.Signature == sig.Signature {
			continue
		}

		if err := sig.Verify(pb.block.Header.BlockHash); err != nil {
			f.evHandler("forger: mergeSignatures: validator[%s]: ignored: %s", short(sig.ValidatorAddress), err)
			continue
		}

		pb.block.Header.Signatures = database.AddSignature(pb.block.Header.Signatures, sig)
	}
}

// proposeSigned offers again the block this node signed at the next height.
// Without it in hand the node can't propose at this height. The caller must
// hold the lock.
func (f *Forger) proposeSigned(now time.Time) (database.Block, error) {
	pb := f.locked
	if pb == nil || pb.block.Hash() != f.signed.BlockHash {
		f.phase = Idle
		return database.Block{}, fmt.Errorf("%w: height %d, signed %s", ErrDoubleSign, f.signed.Height, f.signed.BlockHash)
	}

	if _, exists := f.pending[pb.block.Hash()]; exists {
		return database.Block{}, ErrRoundInFlight
	}

	pb.created = now
	f.pending[pb.block.Hash()] = pb
	f.phase = CollectingSignatures

	f.evHandler("forger: Propose: offering signed block[%s] again: signatures[%d]", pb.block.Header, len(pb.block.Header.Signatures))

	return copyBlock(pb.block), nil
}

// sign records the height and hash as signed, then signs the block hash.
// A second hash at a height already signed is refused. The caller must
// hold the lock.
func (f *Forger) sign(header database.BlockHeader, index uint64, timestamp int64) (database.Signature, error) {
	if f.signed.Conflicts(header.Height, header.BlockHash) {
		return database.Signature{}, fmt.Errorf("%w: height %d, signed %s", ErrDoubleSign, header.Height, f.signed.BlockHash)
	}

	ss := database.SignState{Height: header.Height, BlockHash: header.BlockHash}
	if ss != f.signed {
		if err := f.storage.PutSignState(ss); err != nil {
			return database.Signature{}, err
		}
		f.signed = ss
	}

	return database.SignBlockHash(header.BlockHash, index, timestamp, f.privateKey)
}

// execute runs the block's transactions on the last committed state. Every
// transaction must be valid and applied, and the result must match the
// header's state root. The caller must hold the lock.
func (f *Forger) execute(block database.Block) (vm.Snapshot, error) {
	header := block.Header

	exec := f.vm.Begin(header.Proposer, f.snapshot)
	for _, tx := range block.Transactions {
		if err := validate.Transaction(tx, exec.View()); err != nil {
			return vm.Snapshot{}, fmt.Errorf("replay tx[%s]: %w", tx, err)
		}

		out, err := exec.Apply(tx)
		if err != nil {
			return vm.Snapshot{}, fmt.Errorf("replay tx[%s]: %w", tx, err)
		}

		if out != vm.Applied {
			return vm.Snapshot{}, fmt.Errorf("replay tx[%s]: %w: not applied", tx, validate.ErrInsufficientBalance)
		}
	}

	snap, root, err := exec.Finish()
	if err != nil {
		return vm.Snapshot{}, err
	}

	if root != header.StateRoot {
		f.evHandler("forger: execute: block[%s]: REFUSED: state root got[%s] exp[%s]", header, short(database.Address(root)), short(database.Address(header.StateRoot)))
		return vm.Snapshot{}, fmt.Errorf("%w: got %s, exp %s", validate.ErrStateRootMismatch, root, header.StateRoot)
	}

	return snap, nil
}

// checkCommitted runs the full header checks against the last committed
// block and the active set. The caller must hold the lock.
func (f *Forger) checkCommitted(header database.BlockHeader, now time.Time) error {
	if err := validate.BlockHeader(header, &f.last, f.snapshot.ActiveAddresses(), now); err != nil {
		return err
	}

	return validate.SignatureIndexes(header, f.indexes())
}

// commit persists the block and its state, then moves the node onto it.
// Nothing changes in memory when the write fails. The caller must hold the
// lock.
func (f *Forger) commit(block database.Block, snapshot vm.Snapshot) error {
	if err := f.storage.Commit(block, snapshot); err != nil {
		return err
	}

	header := block.Header

	f.mempool.Evict(header.TxHashes)

	f.last = header.Clone()
	f.snapshot = snapshot
	f.syncCursor(header.Proposer)

	for h, p := range f.pending {
		if p.block.Header.Height <= header.Height {
			delete(f.pending, h)
		}
	}

	if f.locked != nil && f.locked.block.Header.Height <= header.Height {
		f.locked = nil
	}

	f.evictStale()
	f.phase = Committed

	return nil
}

// indexes maps each active validator to its staking index. The caller must
// hold the lock.
func (f *Forger) indexes() map[database.Address]uint64 {
	vals := f.snapshot.Validators()

	m := make(map[database.Address]uint64, len(vals))
	for _, v := range vals {
		m[v.Address] = v.Index
	}
	return m
}

// evictStale removes mempool transactions whose nonce has already been
// used by a committed transaction. The caller must hold the lock.
func (f *Forger) evictStale() {
	var stale []string
	for _, tx := range f.mempool.All() {
		if tx.Nonce < f.snapshot.Nonce(tx.Sender) {
			stale = append(stale, tx.Hash)
		}
	}

	if len(stale) > 0 {
		f.mempool.Evict(stale)
		f.evHandler("forger: evictStale: evicted[%d]", len(stale))
	}
}

// signers counts the distinct active validators that signed the header.
func signers(header database.BlockHeader, active []database.Address) int {
	isActive := make(map[database.Address]bool, len(active))
	for _, a := range active {
		isActive[a] = true
	}

	seen := make(map[database.Address]bool)
	for _, sig := range header.Signatures {
		if isActive[sig.ValidatorAddress] {
			seen[sig.ValidatorAddress] = true
		}
	}

	return len(seen)
}

func copyBlock(b database.Block) database.Block {
	return database.Block{
		Header:       b.Header.Clone(),
		Transactions: append([]database.Tx(nil), b.Transactions...),
	}
}

// short trims long values for log output.
func short(a database.Address) string {
	if len(a) <= 16 {
		return string(a)
	}
	return string(a[:8]) + ".." + string(a[len(a)-6:])
}
