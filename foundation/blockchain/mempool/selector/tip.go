package selector

import (
	"sort"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

// tipSelect returns transactions with the best fee while respecting the nonce
// for each sender/transaction.
var tipSelect = func(m map[database.Address][]database.Tx, howMany int) []database.Tx {
	if howMany == -1 {
		howMany = total(m)
	}

	/*
		Bill: {Nonce: 2, Fee: 250}, {Nonce: 1, Fee: 150},
		Pavl: {Nonce: 2, Fee: 200}, {Nonce: 1, Fee: 75},
		Edua: {Nonce: 2, Fee: 75},  {Nonce: 1, Fee: 100},
	*/

	// Sort the transactions per sender by nonce.
	keys := senders(m)
	for _, key := range keys {
		if len(m[key]) > 1 {
			sort.Stable(byNonce(m[key]))
		}
	}

	/*
		Bill: {Nonce: 1, Fee: 150}, {Nonce: 2, Fee: 250},
		Pavl: {Nonce: 1, Fee: 75},  {Nonce: 2, Fee: 200},
		Edua: {Nonce: 1, Fee: 100}, {Nonce: 2, Fee: 75},
	*/

	// Pick the first transaction in the slice for each sender. Each iteration
	// represents a new row of selections. Keep doing that until all the
	// transactions have been selected.
	var rows [][]database.Tx
	for {
		var row []database.Tx
		for _, key := range keys {
			if len(m[key]) > 0 {
				row = append(row, m[key][0])
				m[key] = m[key][1:]
			}
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	/*
		0: Bill: {Nonce: 1, Fee: 150}
		0: Pavl: {Nonce: 1, Fee: 75}
		0: Edua: {Nonce: 1, Fee: 100}
		1: Bill: {Nonce: 2, Fee: 250}
		1: Pavl: {Nonce: 2, Fee: 200}
		1: Edua: {Nonce: 2, Fee: 75}
	*/

	// Sort each row by fee. Then try to select the number of requested
	// transactions. Keep pulling transactions from each row until the amount
	// is fulfilled or there are no more transactions.
	final := []database.Tx{}
	for _, row := range rows {
		need := howMany - len(final)
		if need <= 0 {
			break
		}

		sort.Sort(byFee(row))
		if len(row) > need {
			final = append(final, row[:need]...)
			break
		}
		final = append(final, row...)
	}

	/*
		0: Bill: {Nonce: 1, Fee: 150}
		1: Edua: {Nonce: 1, Fee: 100}
		2: Pavl: {Nonce: 1, Fee: 75}
		3: Bill: {Nonce: 2, Fee: 250}
	*/

	return final
}
