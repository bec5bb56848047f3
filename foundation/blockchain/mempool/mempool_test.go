package mempool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/blockchain/mempool"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func sign(t *testing.T, nonce uint64, amount uint64, fee uint64) database.Tx {
	pk, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	if err != nil {
		t.Fatalf("\t%s\tShould be able to load the private key: %s", failed, err)
	}

	tx, err := database.NewTx("b0b0", amount, fee, nonce, "")
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the transaction: %s", failed, err)
	}

	signed, err := tx.Sign(pk)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign the transaction: %s", failed, err)
	}

	return signed
}

func TestCRUD(t *testing.T) {
	type table struct {
		name string
		txs  []database.Tx
		all  []uint64
	}

	tt := []table{
		{
			name: "basic",
			txs: []database.Tx{
				sign(t, 0, 10, 10),
				sign(t, 1, 10, 50),
				sign(t, 2, 10, 100),
				sign(t, 3, 10, 10),
			},
			all: []uint64{2, 1, 0, 3},
		},
	}

	t.Log("Given the need to validate mempool api.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a set of transaction.", testID)
			{
				f := func(t *testing.T) {
					mp, err := mempool.New(0)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to construct the mempool: %s", failed, testID, err)
					}

					for _, tx := range tst.txs {
						added, err := mp.Add(tx)
						if err != nil || !added {
							t.Fatalf("\t%s\tTest %d:\tShould be able to add new transaction: %v", failed, testID, err)
						}
						t.Logf("\t%s\tTest %d:\tShould be able to add new transaction: %s", success, testID, tx)
					}

					added, err := mp.Add(tst.txs[0])
					if err != nil || added {
						t.Fatalf("\t%s\tTest %d:\tShould treat a resubmission as a no-op: %v", failed, testID, err)
					}
					if mp.Count() != len(tst.txs) {
						t.Fatalf("\t%s\tTest %d:\tShould not store a duplicate.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould treat a resubmission as a no-op.", success, testID)

					if err := mp.AddUnique(tst.txs[0]); !errors.Is(err, mempool.ErrAlreadyPending) {
						t.Fatalf("\t%s\tTest %d:\tShould reject a duplicate when asked to: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould reject a duplicate when asked to.", success, testID)

					for i, tx := range mp.All() {
						if tx.Nonce != tst.all[i] {
							t.Logf("\t%s\tTest %d:\tgot: %d", failed, testID, tx.Nonce)
							t.Logf("\t%s\tTest %d:\texp: %d", failed, testID, tst.all[i])
							t.Fatalf("\t%s\tTest %d:\tShould get back the transactions by fee.", failed, testID)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould get back the transactions by fee.", success, testID)

					if _, exists := mp.Get(tst.txs[1].Hash); !exists {
						t.Fatalf("\t%s\tTest %d:\tShould be able to get a transaction by hash.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to get a transaction by hash.", success, testID)

					mp.Remove(tst.txs[1].Hash)
					if _, exists := mp.Get(tst.txs[1].Hash); exists || mp.Count() != len(tst.txs)-1 {
						t.Fatalf("\t%s\tTest %d:\tShould be able to remove a transaction.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to remove a transaction.", success, testID)

					mp.Truncate()
					if !mp.IsEmpty() {
						t.Fatalf("\t%s\tTest %d:\tShould be able to truncate mempool.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to truncate mempool.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestCapacity(t *testing.T) {
	t.Log("Given the need to bound the mempool.")
	{
		t.Logf("\tTest 0:\tWhen adding past capacity.")
		{
			mp, err := mempool.New(2)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the mempool: %s", failed, err)
			}

			first := sign(t, 0, 1, 1)
			mp.Add(first)
			mp.Add(sign(t, 1, 1, 1))

			if _, err := mp.Add(sign(t, 2, 1, 1)); !errors.Is(err, mempool.ErrPoolFull) {
				t.Fatalf("\t%s\tTest 0:\tShould get a pool full error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get a pool full error.", success)

			if added, err := mp.Add(first); err != nil || added {
				t.Fatalf("\t%s\tTest 0:\tShould still treat a resubmission as a no-op when full: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould still treat a resubmission as a no-op when full.", success)

			mp.Evict([]string{first.Hash})
			if _, err := mp.Add(sign(t, 2, 1, 1)); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept again after eviction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept again after eviction.", success)
		}
	}
}

func TestPending(t *testing.T) {
	t.Log("Given the need to know what a sender has pending.")
	{
		t.Logf("\tTest 0:\tWhen the sender has two transactions waiting.")
		{
			mp, _ := mempool.New(0)
			tx1 := sign(t, 0, 50, 1)
			tx2 := sign(t, 1, 30, 5)
			mp.Add(tx1)
			mp.Add(tx2)

			count, amount := mp.Pending(tx1.Sender)
			if count != 2 || amount.Uint64() != 80 {
				t.Fatalf("\t%s\tTest 0:\tShould get 2 transactions for 80, got %d for %s.", failed, count, amount.Dec())
			}
			t.Logf("\t%s\tTest 0:\tShould get 2 transactions for 80.", success)

			count, amount = mp.Pending("b0b0")
			if count != 0 || !amount.IsZero() {
				t.Fatalf("\t%s\tTest 0:\tShould get nothing for an unknown sender.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould get nothing for an unknown sender.", success)

			best := mp.PickBest(-1)
			if len(best) != 2 || best[0].Hash != tx1.Hash || best[1].Hash != tx2.Hash {
				t.Fatalf("\t%s\tTest 0:\tShould pick in nonce order despite the higher fee.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould pick in nonce order despite the higher fee.", success)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	mp, _ := mempool.New(0)

	txs := make([]database.Tx, 20)
	for i := range txs {
		txs[i] = sign(t, uint64(i), 1, uint64(i+1))
	}

	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mp.Add(tx)
		}()
		go func() {
			defer wg.Done()
			mp.PickBest(5)
			mp.All()
		}()
	}
	wg.Wait()

	if mp.Count() != len(txs) {
		t.Fatalf("\t%s\tShould hold every transaction, got %d.", failed, mp.Count())
	}
	t.Logf("\t%s\tShould hold every transaction.", success)
}
