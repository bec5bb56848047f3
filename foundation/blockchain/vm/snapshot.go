package vm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/merkle"
)

// Status of a validator in the staking contract.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// encMode encodes with sorted map keys and shortest integer forms so the
// same state always produces the same bytes.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: building deterministic encoder: %s", err))
	}
	encMode = em
}

// =============================================================================

// Account is the state the accounts contract keeps per address.
type Account struct {
	Balance *uint256.Int
	Nonce   uint64
}

// Stake is the state the staking contract keeps per validator.
type Stake struct {
	Staked *uint256.Int
	Status string
	Index  uint64
}

// Validator is an entry of the active validator set.
type Validator struct {
	Address database.Address `json:"address"`
	Index   uint64           `json:"index"`
	Staked  string           `json:"staked"`
}

// =============================================================================

// Snapshot is the state of both system contracts at a point in the chain.
// Amount pointers held by a snapshot are never mutated, so a copy of the
// maps is enough to branch.
type Snapshot struct {
	accounts map[database.Address]Account
	staking  map[database.Address]Stake
}

// NewSnapshot constructs an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		accounts: make(map[database.Address]Account),
		staking:  make(map[database.Address]Stake),
	}
}

// Clone returns a snapshot that can be changed without affecting this one.
func (s Snapshot) Clone() Snapshot {
	cpy := Snapshot{
		accounts: make(map[database.Address]Account, len(s.accounts)),
		staking:  make(map[database.Address]Stake, len(s.staking)),
	}

	for k, v := range s.accounts {
		cpy.accounts[k] = v
	}
	for k, v := range s.staking {
		cpy.staking[k] = v
	}

	return cpy
}

// Account returns the account state for the address. Unknown addresses
// have a zero balance and nonce.
func (s Snapshot) Account(address database.Address) (Account, bool) {
	act, exists := s.accounts[address]
	if !exists {
		return Account{Balance: new(uint256.Int)}, false
	}
	return act, true
}

// Balance implements the validate AccountView interface.
func (s Snapshot) Balance(address database.Address) *uint256.Int {
	act, _ := s.Account(address)
	return act.Balance
}

// Nonce implements the validate AccountView interface.
func (s Snapshot) Nonce(address database.Address) uint64 {
	act, _ := s.Account(address)
	return act.Nonce
}

// Stake returns the staking state for the address.
func (s Snapshot) Stake(address database.Address) (Stake, bool) {
	stk, exists := s.staking[address]
	return stk, exists
}

// Accounts returns a copy of all accounts keyed by address.
func (s Snapshot) Accounts() map[database.Address]Account {
	cpy := make(map[database.Address]Account, len(s.accounts))
	for k, v := range s.accounts {
		cpy[k] = v
	}
	return cpy
}

// Validators returns the active validator set ordered by index.
func (s Snapshot) Validators() []Validator {
	var vals []Validator
	for addr, stk := range s.staking {
		if stk.Status != StatusActive {
			continue
		}
		vals = append(vals, Validator{
			Address: addr,
			Index:   stk.Index,
			Staked:  stk.Staked.Dec(),
		})
	}

	sort.Slice(vals, func(i, j int) bool {
		return vals[i].Index < vals[j].Index
	})

	return vals
}

// ActiveAddresses returns the addresses of the active validator set ordered
// by index.
func (s Snapshot) ActiveAddresses() []database.Address {
	vals := s.Validators()

	addrs := make([]database.Address, len(vals))
	for i, v := range vals {
		addrs[i] = v.Address
	}

	return addrs
}

// TotalBalance sums every account balance including the system contracts.
func (s Snapshot) TotalBalance() *uint256.Int {
	total := new(uint256.Int)
	for _, act := range s.accounts {
		total = new(uint256.Int).Add(total, act.Balance)
	}
	return total
}

// nextIndex returns the index the next new validator receives. Indexes are
// never reused, including those of validators that unstaked.
func (s Snapshot) nextIndex() uint64 {
	var next uint64
	for _, stk := range s.staking {
		if stk.Index+1 > next {
			next = stk.Index + 1
		}
	}
	return next
}

// =============================================================================

// accountRecord is the canonical encoding of an account.
type accountRecord struct {
	Balance string `cbor:"balance"`
	Nonce   uint64 `cbor:"nonce"`
}

// stakeRecord is the canonical encoding of a stake.
type stakeRecord struct {
	Staked string `cbor:"staked"`
	Status string `cbor:"status"`
	Index  uint64 `cbor:"index"`
}

// snapshotRecord is the canonical encoding of a full snapshot.
type snapshotRecord struct {
	Accounts map[string]accountRecord `cbor:"accounts"`
	Staking  map[string]stakeRecord   `cbor:"staking"`
}

// contractRecord is a digest leaf binding a contract address to its state.
type contractRecord struct {
	Contract string `cbor:"contract"`
	State    []byte `cbor:"state"`
}

func toAccountRecord(act Account) accountRecord {
	return accountRecord{Balance: act.Balance.Dec(), Nonce: act.Nonce}
}

func toStakeRecord(stk Stake) stakeRecord {
	return stakeRecord{Staked: stk.Staked.Dec(), Status: stk.Status, Index: stk.Index}
}

func (s Snapshot) record() snapshotRecord {
	rec := snapshotRecord{
		Accounts: make(map[string]accountRecord, len(s.accounts)),
		Staking:  make(map[string]stakeRecord, len(s.staking)),
	}

	for addr, act := range s.accounts {
		rec.Accounts[string(addr)] = toAccountRecord(act)
	}
	for addr, stk := range s.staking {
		rec.Staking[string(addr)] = toStakeRecord(stk)
	}

	return rec
}

// Contracts returns each system contract address mapped to the canonical
// serialization of its state.
func (s Snapshot) Contracts() (map[database.Address][]byte, error) {
	rec := s.record()

	accounts, err := encMode.Marshal(rec.Accounts)
	if err != nil {
		return nil, fmt.Errorf("encoding accounts: %w", err)
	}

	staking, err := encMode.Marshal(rec.Staking)
	if err != nil {
		return nil, fmt.Errorf("encoding staking: %w", err)
	}

	contracts := map[database.Address][]byte{
		database.AccountsContract: accounts,
		database.StakingContract:  staking,
	}

	return contracts, nil
}

// Digest returns the content address of the snapshot. Two snapshots with the
// same contents have the same digest regardless of how they were built.
func (s Snapshot) Digest() (string, error) {
	contracts, err := s.Contracts()
	if err != nil {
		return "", err
	}

	addrs := make([]string, 0, len(contracts))
	for addr := range contracts {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)

	log := merkle.NewLog()
	for _, addr := range addrs {
		leaf, err := encMode.Marshal(contractRecord{Contract: addr, State: contracts[database.Address(addr)]})
		if err != nil {
			return "", err
		}
		log.Append(leaf)
	}

	return log.RootHex(), nil
}

// Encode returns the canonical bytes used to persist the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	return encMode.Marshal(s.record())
}

// DecodeSnapshot restores a snapshot from its persisted bytes.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var rec snapshotRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}

	snap := NewSnapshot()

	for addr, r := range rec.Accounts {
		bal, err := uint256.FromDecimal(r.Balance)
		if err != nil {
			return Snapshot{}, fmt.Errorf("account %s balance: %w", addr, err)
		}
		snap.accounts[database.Address(addr)] = Account{Balance: bal, Nonce: r.Nonce}
	}

	for addr, r := range rec.Staking {
		staked, err := uint256.FromDecimal(r.Staked)
		if err != nil {
			return Snapshot{}, fmt.Errorf("stake %s: %w", addr, err)
		}
		if r.Status != StatusActive && r.Status != StatusInactive {
			return Snapshot{}, errors.New("stake " + addr + ": unknown status " + r.Status)
		}
		snap.staking[database.Address(addr)] = Stake{Staked: staked, Status: r.Status, Index: r.Index}
	}

	return snap, nil
}
