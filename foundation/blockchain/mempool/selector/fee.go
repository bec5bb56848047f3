package selector

import (
	"sort"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

// feeSelect orders every transaction by fee, highest first. When a sender's
// transaction comes up ahead of a lower nonce from the same sender, the
// lowest outstanding nonce for that sender is taken in its place.
var feeSelect = func(m map[database.Address][]database.Tx, howMany int) []database.Tx {
	if howMany == -1 {
		howMany = total(m)
	}

	var all []database.Tx
	for _, key := range senders(m) {
		sort.Stable(byNonce(m[key]))
		all = append(all, m[key]...)
	}
	sort.Stable(byFee(all))

	final := []database.Tx{}
	for _, tx := range all {
		if len(final) == howMany {
			break
		}

		queue := m[tx.Sender]
		final = append(final, queue[0])
		m[tx.Sender] = queue[1:]
	}

	return final
}
