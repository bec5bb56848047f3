// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"sort"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

// List of different select strategies.
const (
	StrategyTip = "tip"
	StrategyFee = "fee"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyTip: tipSelect,
	StrategyFee: feeSelect,
}

// Func defines a function that takes a mempool of transactions grouped by
// sender and selects howMany of them in an order based on the functions
// strategy. All selector functions MUST respect nonce ordering. Receiving -1
// for howMany must return all the transactions in the strategies ordering.
// The result must not depend on map iteration order.
type Func func(transactions map[database.Address][]database.Tx, howMany int) []database.Tx

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// byNonce provides sorting support by the transaction nonce value.
type byNonce []database.Tx

// Len returns the number of transactions in the list.
func (bn byNonce) Len() int {
	return len(bn)
}

// Less helps to sort the list by nonce in ascending order to keep the
// transactions in the right order of processing.
func (bn byNonce) Less(i, j int) bool {
	return bn[i].Nonce < bn[j].Nonce
}

// Swap moves transactions in the order of the nonce value.
func (bn byNonce) Swap(i, j int) {
	bn[i], bn[j] = bn[j], bn[i]
}

// =============================================================================

// byFee provides sorting support by the transaction fee value. Equal fees
// fall back to the sender and then the hash so every node agrees.
type byFee []database.Tx

// Len returns the number of transactions in the list.
func (bf byFee) Len() int {
	return len(bf)
}

// Less helps to sort the list by fee in descending order to pick the
// transactions that pay the most first.
func (bf byFee) Less(i, j int) bool {
	if c := bf[i].Fee.Cmp(bf[j].Fee); c != 0 {
		return c > 0
	}
	if bf[i].Sender != bf[j].Sender {
		return bf[i].Sender < bf[j].Sender
	}
	return bf[i].Hash < bf[j].Hash
}

// Swap moves transactions in the order of the fee value.
func (bf byFee) Swap(i, j int) {
	bf[i], bf[j] = bf[j], bf[i]
}

// =============================================================================

// senders returns the map keys in sorted order.
func senders(m map[database.Address][]database.Tx) []database.Address {
	keys := make([]database.Address, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

// total returns the number of transactions in the map.
func total(m map[database.Address][]database.Tx) int {
	var n int
	for _, txs := range m {
		n += len(txs)
	}
	return n
}
