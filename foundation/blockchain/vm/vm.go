// Package vm implements the TinyVM, the deterministic executor of ordered
// transactions against the accounts and staking system contracts.
package vm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
	"github.com/nfl0/tinychain/foundation/blockchain/merkle"
)

// Memos understood by the staking contract.
const (
	MemoStake   = "stake"
	MemoUnstake = "unstake"
)

// ErrFinished is returned when an execution is used after Finish.
var ErrFinished = errors.New("execution already finished")

// =============================================================================

// Config represents the configuration required to construct the VM.
type Config struct {
	BlockReward uint64
	EvHandler   func(v string, args ...any)
}

// VM executes blocks of transactions. It holds no chain state of its own.
type VM struct {
	reward    *uint256.Int
	evHandler func(v string, args ...any)
}

// New constructs a VM for use.
func New(cfg Config) *VM {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	return &VM{
		reward:    uint256.NewInt(cfg.BlockReward),
		evHandler: ev,
	}
}

// Execute runs the ordered transactions for the proposer against the
// snapshot and returns the new snapshot and its state root. The input
// snapshot is not modified.
func (vm *VM) Execute(txs []database.Tx, proposer database.Address, snapshot Snapshot) (Snapshot, string, error) {
	exec := vm.Begin(proposer, snapshot)

	for _, tx := range txs {
		if _, err := exec.Apply(tx); err != nil {
			return Snapshot{}, "", err
		}
	}

	return exec.Finish()
}

// Begin starts an incremental execution. The block reward is credited to
// the proposer before any transaction is applied.
func (vm *VM) Begin(proposer database.Address, snapshot Snapshot) *Execution {
	exec := Execution{
		vm:       vm,
		snap:     snapshot.Clone(),
		log:      merkle.NewLog(),
		proposer: proposer,
	}

	if proposer != database.GenesisProposer {
		exec.credit(proposer, vm.reward)
		vm.evHandler("vm: Begin: reward[%s] proposer[%s]", vm.reward.Dec(), short(proposer))
	}

	return &exec
}

// Genesis builds the first snapshot from the genesis file. Balances are
// credited in address order, then validators are staked in list order so
// their indexes follow the file.
func (vm *VM) Genesis(gen genesis.Genesis) (Snapshot, string, error) {
	exec := Execution{
		vm:       vm,
		snap:     NewSnapshot(),
		log:      merkle.NewLog(),
		proposer: database.GenesisProposer,
	}

	addrs := make([]string, 0, len(gen.Balances))
	for addr := range gen.Balances {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		a, err := database.ToAddress(addr)
		if err != nil {
			return Snapshot{}, "", fmt.Errorf("genesis balance %q: %w", addr, err)
		}
		exec.credit(a, uint256.NewInt(gen.Balances[addr]))
	}

	for _, v := range gen.Validators {
		a, err := database.ToAddress(v.Address)
		if err != nil {
			return Snapshot{}, "", fmt.Errorf("genesis validator %q: %w", v.Address, err)
		}

		stake := uint256.NewInt(v.Stake)
		exec.credit(database.StakingContract, stake)
		exec.stake(a, stake)
	}

	return exec.Finish()
}

// =============================================================================

// Outcome describes what happened to a transaction during execution.
type Outcome int

// Set of outcomes for an applied transaction.
const (
	Applied Outcome = iota
	Skipped
)

// String implements the fmt.Stringer interface.
func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "skipped"
}

// Execution is a block execution in progress. Every state mutation is
// appended to a merkle log in the order it happens.
type Execution struct {
	vm       *VM
	snap     Snapshot
	log      *merkle.Log
	proposer database.Address
	finished bool
}

// View returns the working state for validating the next transaction.
func (e *Execution) View() Snapshot {
	return e.snap
}

// Apply executes a single transaction. An under-funded transfer has no
// effect and is reported as Skipped, leaving the block to continue.
func (e *Execution) Apply(tx database.Tx) (Outcome, error) {
	if e.finished {
		return Skipped, ErrFinished
	}

	if tx.Amount == nil {
		return Skipped, fmt.Errorf("tx[%s]: missing amount", tx)
	}

	if !e.transfer(tx.Sender, tx.Receiver, tx.Amount) {
		e.vm.evHandler("vm: Apply: tx[%s]: SKIPPED: insufficient balance for sender", tx)
		return Skipped, nil
	}

	act, _ := e.snap.Account(tx.Sender)
	act.Nonce++
	e.putAccount(tx.Sender, act)

	if tx.Receiver == database.StakingContract {
		switch tx.Memo {
		case MemoStake:
			e.stake(tx.Sender, tx.Amount)
			e.vm.evHandler("vm: Apply: tx[%s]: staked[%s]", tx, tx.Amount.Dec())

		case MemoUnstake:
			released := e.unstake(tx.Sender, tx.Amount)
			e.vm.evHandler("vm: Apply: tx[%s]: unstaked: released[%s]", tx, released.Dec())

		default:
			e.vm.evHandler("vm: Apply: tx[%s]: WARNING: invalid memo %q for the staking contract, try %q or %q", tx, tx.Memo, MemoStake, MemoUnstake)
		}
	}

	return Applied, nil
}

// Finish closes the execution, appending the digest of the final snapshot
// as the last leaf, and returns the snapshot and state root.
func (e *Execution) Finish() (Snapshot, string, error) {
	if e.finished {
		return Snapshot{}, "", ErrFinished
	}
	e.finished = true

	digest, err := e.snap.Digest()
	if err != nil {
		return Snapshot{}, "", err
	}
	e.log.Append([]byte(digest))

	return e.snap, e.log.RootHex(), nil
}

// =============================================================================

// credit adds the amount to the address balance.
func (e *Execution) credit(address database.Address, amount *uint256.Int) {
	act, _ := e.snap.Account(address)
	act.Balance = new(uint256.Int).Add(act.Balance, amount)
	e.putAccount(address, act)
}

// transfer moves the amount between accounts. It reports false and leaves
// state untouched when the sender can't cover it.
func (e *Execution) transfer(from database.Address, to database.Address, amount *uint256.Int) bool {
	sender, _ := e.snap.Account(from)
	if sender.Balance.Lt(amount) {
		return false
	}

	sender.Balance = new(uint256.Int).Sub(sender.Balance, amount)
	e.putAccount(from, sender)

	e.credit(to, amount)

	return true
}

// stake adds to the validator's staked balance and activates it. A new
// validator receives the next index, an existing one keeps its index.
func (e *Execution) stake(address database.Address, amount *uint256.Int) {
	stk, exists := e.snap.Stake(address)
	if !exists {
		stk = Stake{Staked: new(uint256.Int), Index: e.snap.nextIndex()}
	}

	stk.Staked = new(uint256.Int).Add(stk.Staked, amount)
	stk.Status = StatusActive

	e.putStake(address, stk)
}

// unstake releases the whole staked balance along with the amount the
// unstake transaction sent, moving it back from the staking contract.
func (e *Execution) unstake(address database.Address, amount *uint256.Int) *uint256.Int {
	released := new(uint256.Int).Set(amount)

	stk, exists := e.snap.Stake(address)
	if exists {
		released = new(uint256.Int).Add(released, stk.Staked)
		stk.Staked = new(uint256.Int)
		stk.Status = StatusInactive
		e.putStake(address, stk)
	}

	if !e.transfer(database.StakingContract, address, released) {
		e.vm.evHandler("vm: unstake: ERROR: staking contract can't cover release[%s] for %s", released.Dec(), short(address))
		return new(uint256.Int)
	}

	return released
}

// putAccount stores the account and appends the mutation leaf.
func (e *Execution) putAccount(address database.Address, act Account) {
	e.snap.accounts[address] = act
	e.appendLeaf(database.AccountsContract, address, toAccountRecord(act))
}

// putStake stores the stake and appends the mutation leaf.
func (e *Execution) putStake(address database.Address, stk Stake) {
	e.snap.staking[address] = stk
	e.appendLeaf(database.StakingContract, address, toStakeRecord(stk))
}

// mutation is the canonical leaf recorded for each state change.
type mutation struct {
	Contract string `cbor:"contract"`
	Key      string `cbor:"key"`
	Record   any    `cbor:"record"`
}

func (e *Execution) appendLeaf(contract database.Address, key database.Address, record any) {
	leaf, err := encMode.Marshal(mutation{Contract: string(contract), Key: string(key), Record: record})
	if err != nil {

		// The records are plain strings and integers, this can't fail.
		panic(fmt.Sprintf("vm: encoding mutation: %s", err))
	}

	e.log.Append(leaf)
}

// short trims long addresses for log output.
func short(a database.Address) string {
	if len(a) <= 16 {
		return string(a)
	}
	return string(a[:8]) + ".." + string(a[len(a)-6:])
}
