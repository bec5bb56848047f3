// Package storage handles all the lower level support for maintaining the
// blockchain in a key-value store.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/vm"
)

// Set of errors returned by storage.
var (
	ErrOpenFailed  = errors.New("storage open failed")
	ErrReadFailed  = errors.New("storage read failed")
	ErrWriteFailed = errors.New("storage write failed")
	ErrNotFound    = errors.New("not found")
)

// Key prefixes for the different records.
var (
	blockPrefix    = []byte("b") // blockPrefix + hash -> block json
	heightPrefix   = []byte("h") // heightPrefix + uint64 big endian -> hash
	txPrefix       = []byte("t") // txPrefix + hash -> tx json
	snapshotPrefix = []byte("s") // snapshotPrefix + state root -> snapshot cbor
	lastKey        = []byte("L") // lastKey -> hash of the last committed block
	signKey        = []byte("V") // signKey -> last height and hash this node signed
)

// Settings for the leveldb engine.
const (
	levelCache   = 16
	levelHandles = 16
)

// =============================================================================

// Storage manages reading and writing of blocks, transactions and state
// snapshots.
type Storage struct {
	db ethdb.KeyValueStore
}

// New constructs storage over the specified key-value store.
func New(db ethdb.KeyValueStore) *Storage {
	return &Storage{db: db}
}

// OpenLevelDB opens, or creates, the leveldb database at the path.
func OpenLevelDB(path string) (*Storage, error) {
	db, err := leveldb.New(path, levelCache, levelHandles, "tinychain/db/", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrOpenFailed, path, err)
	}

	return New(db), nil
}

// NewMemory constructs storage that lives only in memory.
func NewMemory() *Storage {
	return New(memorydb.New())
}

// Close cleanly releases the storage area.
func (s *Storage) Close() error {
	return s.db.Close()
}

// =============================================================================

// Commit writes the block, its height index, its transactions marked as
// confirmed, the state snapshot and the last block pointer in one batch.
// Either all of it is stored or none of it is.
func (s *Storage) Commit(block database.Block, snapshot vm.Snapshot) error {
	batch := s.db.NewBatch()

	if err := putBlock(batch, block); err != nil {
		return err
	}

	if err := putSnapshot(batch, block.Header.StateRoot, snapshot); err != nil {
		return err
	}

	if err := batch.Put(lastKey, []byte(block.Header.BlockHash)); err != nil {
		return fmt.Errorf("%w: last pointer: %s", ErrWriteFailed, err)
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("%w: commit block %s: %s", ErrWriteFailed, block.Header, err)
	}

	return nil
}

// PutBlock writes the block, its height index and its transactions. The
// last block pointer is not moved.
func (s *Storage) PutBlock(block database.Block) error {
	batch := s.db.NewBatch()

	if err := putBlock(batch, block); err != nil {
		return err
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("%w: put block %s: %s", ErrWriteFailed, block.Header, err)
	}

	return nil
}

// PutStateSnapshot writes the snapshot under the state root.
func (s *Storage) PutStateSnapshot(root string, snapshot vm.Snapshot) error {
	return putSnapshot(s.db, root, snapshot)
}

// PutSignState records the last block this node signed. It must be stored
// before the signature leaves the node.
func (s *Storage) PutSignState(ss database.SignState) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("%w: encoding sign state: %s", ErrWriteFailed, err)
	}

	if err := s.db.Put(signKey, data); err != nil {
		return fmt.Errorf("%w: sign state: %s", ErrWriteFailed, err)
	}

	return nil
}

// SignState returns the last block this node signed. A node that never
// signed gets the zero value.
func (s *Storage) SignState() (database.SignState, error) {
	data, err := s.get(signKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return database.SignState{}, nil
		}
		return database.SignState{}, err
	}

	var ss database.SignState
	if err := json.Unmarshal(data, &ss); err != nil {
		return database.SignState{}, fmt.Errorf("%w: decoding sign state: %s", ErrReadFailed, err)
	}

	return ss, nil
}

// =============================================================================

// BlockByHash returns the block with the specified hash.
func (s *Storage) BlockByHash(hash string) (database.Block, error) {
	data, err := s.get(key(blockPrefix, hash))
	if err != nil {
		return database.Block{}, fmt.Errorf("block %s: %w", hash, err)
	}

	var block database.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return database.Block{}, fmt.Errorf("%w: decoding block %s: %s", ErrReadFailed, hash, err)
	}

	return block, nil
}

// BlockByHeight returns the block at the specified height.
func (s *Storage) BlockByHeight(height uint64) (database.Block, error) {
	hash, err := s.get(heightKey(height))
	if err != nil {
		return database.Block{}, fmt.Errorf("height %d: %w", height, err)
	}

	return s.BlockByHash(string(hash))
}

// HeaderByHeight returns the header of the block at the specified height.
func (s *Storage) HeaderByHeight(height uint64) (database.BlockHeader, error) {
	block, err := s.BlockByHeight(height)
	if err != nil {
		return database.BlockHeader{}, err
	}

	return block.Header, nil
}

// LastHeader returns the header of the last committed block.
func (s *Storage) LastHeader() (database.BlockHeader, error) {
	hash, err := s.get(lastKey)
	if err != nil {
		return database.BlockHeader{}, fmt.Errorf("last block: %w", err)
	}

	block, err := s.BlockByHash(string(hash))
	if err != nil {
		return database.BlockHeader{}, err
	}

	return block.Header, nil
}

// Transaction returns the committed transaction with the specified hash.
func (s *Storage) Transaction(hash string) (database.Tx, error) {
	data, err := s.get(key(txPrefix, hash))
	if err != nil {
		return database.Tx{}, fmt.Errorf("transaction %s: %w", hash, err)
	}

	var tx database.Tx
	if err := json.Unmarshal(data, &tx); err != nil {
		return database.Tx{}, fmt.Errorf("%w: decoding transaction %s: %s", ErrReadFailed, hash, err)
	}

	return tx, nil
}

// StateSnapshot returns the snapshot stored under the state root.
func (s *Storage) StateSnapshot(root string) (vm.Snapshot, error) {
	data, err := s.get(key(snapshotPrefix, root))
	if err != nil {
		return vm.Snapshot{}, fmt.Errorf("snapshot %s: %w", root, err)
	}

	snap, err := vm.DecodeSnapshot(data)
	if err != nil {
		return vm.Snapshot{}, fmt.Errorf("%w: %s", ErrReadFailed, err)
	}

	return snap, nil
}

// IsEmpty reports whether no block was ever committed.
func (s *Storage) IsEmpty() (bool, error) {
	exists, err := s.db.Has(lastKey)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrReadFailed, err)
	}

	return !exists, nil
}

// =============================================================================

// get reads the key, reporting ErrNotFound when it doesn't exist.
func (s *Storage) get(k []byte) ([]byte, error) {
	exists, err := s.db.Has(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReadFailed, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	data, err := s.db.Get(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReadFailed, err)
	}

	return data, nil
}

func putBlock(w ethdb.KeyValueWriter, block database.Block) error {
	height := block.Header.Height

	confirmed := database.Block{
		Header:       block.Header,
		Transactions: make([]database.Tx, len(block.Transactions)),
	}

	for i, tx := range block.Transactions {
		tx = tx.WithConfirmed(height)
		confirmed.Transactions[i] = tx

		data, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("%w: encoding transaction %s: %s", ErrWriteFailed, tx.Hash, err)
		}

		if err := w.Put(key(txPrefix, tx.Hash), data); err != nil {
			return fmt.Errorf("%w: transaction %s: %s", ErrWriteFailed, tx.Hash, err)
		}
	}

	data, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("%w: encoding block %s: %s", ErrWriteFailed, block.Header, err)
	}

	if err := w.Put(key(blockPrefix, block.Header.BlockHash), data); err != nil {
		return fmt.Errorf("%w: block %s: %s", ErrWriteFailed, block.Header, err)
	}

	if err := w.Put(heightKey(height), []byte(block.Header.BlockHash)); err != nil {
		return fmt.Errorf("%w: height %d: %s", ErrWriteFailed, height, err)
	}

	return nil
}

func putSnapshot(w ethdb.KeyValueWriter, root string, snapshot vm.Snapshot) error {
	data, err := snapshot.Encode()
	if err != nil {
		return fmt.Errorf("%w: encoding snapshot %s: %s", ErrWriteFailed, root, err)
	}

	if err := w.Put(key(snapshotPrefix, root), data); err != nil {
		return fmt.Errorf("%w: snapshot %s: %s", ErrWriteFailed, root, err)
	}

	return nil
}

func key(prefix []byte, id string) []byte {
	return append(append([]byte(nil), prefix...), id...)
}

func heightKey(height uint64) []byte {
	k := make([]byte, len(heightPrefix)+8)
	copy(k, heightPrefix)
	binary.BigEndian.PutUint64(k[len(heightPrefix):], height)
	return k
}
