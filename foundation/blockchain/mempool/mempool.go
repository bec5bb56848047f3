// Package mempool maintains the mempool for the blockchain.
package mempool

import (
	"errors"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool/selector"
)

// Set of errors returned by the mempool.
var (
	ErrPoolFull       = errors.New("mempool is full")
	ErrAlreadyPending = errors.New("transaction already pending")
)

// entry records a transaction with its arrival order.
type entry struct {
	tx  database.Tx
	seq uint64
}

// Mempool represents a cache of pending transactions keyed by transaction
// hash. A transaction leaves the pool when it's committed in a block or
// explicitly removed.
type Mempool struct {
	pool     map[string]entry
	seq      uint64
	capacity int
	mu       sync.RWMutex
	selectFn selector.Func
}

// New constructs a new mempool using the default select strategy. A
// capacity of zero or less means unbounded.
func New(capacity int) (*Mempool, error) {
	return NewWithStrategy(capacity, selector.StrategyTip)
}

// NewWithStrategy constructs a new mempool with specified select strategy.
func NewWithStrategy(capacity int, strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[string]entry),
		capacity: capacity,
		selectFn: selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transaction in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// IsEmpty reports whether the pool holds no transactions.
func (mp *Mempool) IsEmpty() bool {
	return mp.Count() == 0
}

// Add stages the transaction. Adding a transaction that is already pending
// is a no-op and reports false.
func (mp *Mempool) Add(tx database.Tx) (bool, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.pool[tx.Hash]; exists {
		return false, nil
	}

	if err := mp.insert(tx); err != nil {
		return false, err
	}

	return true, nil
}

// AddUnique stages the transaction and fails if it is already pending.
func (mp *Mempool) AddUnique(tx database.Tx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.pool[tx.Hash]; exists {
		return ErrAlreadyPending
	}

	return mp.insert(tx)
}

// Remove deletes the transaction with the specified hash from the pool.
func (mp *Mempool) Remove(hash string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, hash)
}

// Evict removes every transaction that has a hash in the list.
func (mp *Mempool) Evict(hashes []string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, hash := range hashes {
		delete(mp.pool, hash)
	}
}

// Get returns the pending transaction with the specified hash.
func (mp *Mempool) Get(hash string) (database.Tx, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	e, exists := mp.pool[hash]
	return e.tx, exists
}

// All returns a copy of the pool ordered by fee, highest first, with equal
// fees kept in arrival order.
func (mp *Mempool) All() []database.Tx {
	entries := mp.entries()

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].tx.Fee.Cmp(entries[j].tx.Fee); c != 0 {
			return c > 0
		}
		return entries[i].seq < entries[j].seq
	})

	txs := make([]database.Tx, len(entries))
	for i, e := range entries {
		txs[i] = e.tx
	}

	return txs
}

// Pending returns the number of transactions the sender has waiting and
// the sum of their amounts.
func (mp *Mempool) Pending(sender database.Address) (int, *uint256.Int) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var count int
	amount := new(uint256.Int)
	for _, e := range mp.pool {
		if e.tx.Sender == sender {
			count++
			amount = new(uint256.Int).Add(amount, e.tx.Amount)
		}
	}

	return count, amount
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]entry)
}

// PickBest uses the configured select strategy to return the next set
// of transactions for the next block. Pass -1 for all the transactions.
func (mp *Mempool) PickBest(howMany int) []database.Tx {
	entries := mp.entries()

	// Arrival order keeps equal nonces from one sender stable.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	// Group the transactions by sender.
	m := make(map[database.Address][]database.Tx)
	for _, e := range entries {
		m[e.tx.Sender] = append(m[e.tx.Sender], e.tx)
	}

	return mp.selectFn(m, howMany)
}

// =============================================================================

// insert adds the transaction. The caller must hold the write lock.
func (mp *Mempool) insert(tx database.Tx) error {
	if mp.capacity > 0 && len(mp.pool) >= mp.capacity {
		return ErrPoolFull
	}

	mp.seq++
	mp.pool[tx.Hash] = entry{tx: tx, seq: mp.seq}

	return nil
}

// entries takes a point in time copy of the pool.
func (mp *Mempool) entries() []entry {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := make([]entry, 0, len(mp.pool))
	for _, e := range mp.pool {
		entries = append(entries, e)
	}

	return entries
}
