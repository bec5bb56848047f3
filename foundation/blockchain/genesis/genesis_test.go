package genesis_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nfl0/tinychain/foundation/blockchain/genesis"
)

const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestLoad(t *testing.T) {
	t.Log("Given the need to load the genesis file.")
	{
		gen, err := genesis.Load(filepath.Join("..", "..", "..", "zblock", "genesis.json"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to load the genesis file: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to load the genesis file.", success)

		if len(gen.Validators) != 3 {
			t.Fatalf("\t%s\tShould have three founding validators: got %d", failed, len(gen.Validators))
		}
		if gen.BlockReward == 0 || gen.MaxTxBlock == 0 {
			t.Fatalf("\t%s\tShould have a block reward and a block size.", failed)
		}
		t.Logf("\t%s\tShould have the chain parameters.", success)
	}
}

func TestValidate(t *testing.T) {
	type table struct {
		name  string
		gen   genesis.Genesis
		valid bool
	}

	tt := []table{
		{"no validators", genesis.Genesis{}, false},
		{"zero stake", genesis.Genesis{Validators: []genesis.Validator{{Address: "a", Stake: 0}}}, false},
		{"duplicate", genesis.Genesis{Validators: []genesis.Validator{{Address: "a", Stake: 1}, {Address: "a", Stake: 2}}}, false},
		{"valid", genesis.Genesis{Validators: []genesis.Validator{{Address: "a", Stake: 1}, {Address: "b", Stake: 2}}}, true},
	}

	t.Log("Given the need to reject a genesis that cannot produce blocks.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling %s.", testID, tst.name)
			{
				err := tst.gen.Validate()
				if (err == nil) != tst.valid {
					t.Fatalf("\t%s\tTest %d:\tShould get valid[%t]: %v", failed, testID, tst.valid, err)
				}
				t.Logf("\t%s\tTest %d:\tShould get valid[%t].", success, testID, tst.valid)
			}
		}
	}

	t.Log("Given a genesis file that does not parse.")
	{
		path := filepath.Join(t.TempDir(), "genesis.json")
		if err := os.WriteFile(path, []byte(`{"validators":`), 0600); err != nil {
			t.Fatalf("\t%s\tShould be able to write the file: %s", failed, err)
		}

		if _, err := genesis.Load(path); err == nil {
			t.Fatalf("\t%s\tShould fail to load a truncated file.", failed)
		}
		t.Logf("\t%s\tShould fail to load a truncated file.", success)
	}
}
