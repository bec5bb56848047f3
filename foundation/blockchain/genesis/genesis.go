// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Validator is a founding validator and the stake it starts with.
type Validator struct {
	Address string `json:"address"`
	Stake   uint64 `json:"stake"`
}

// Genesis represents the genesis file.
type Genesis struct {
	Date        time.Time         `json:"date"`
	ChainID     uint16            `json:"chain_id"`     // The chain id represents an unique id for this running instance.
	BlockReward uint64            `json:"block_reward"` // Reward minted to the proposer of each block.
	MaxTxBlock  uint16            `json:"max_tx_block"` // The maximum number of transactions that can be in a block.
	Balances    map[string]uint64 `json:"balances"`     // Starting balances of founding accounts.
	Validators  []Validator       `json:"validators"`   // Founding validators, indexed in list order.
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Validate checks the genesis describes a chain that can produce blocks.
func (g Genesis) Validate() error {
	if len(g.Validators) == 0 {
		return fmt.Errorf("genesis must declare at least one validator")
	}

	seen := make(map[string]bool, len(g.Validators))
	for _, v := range g.Validators {
		if v.Stake == 0 {
			return fmt.Errorf("validator %s has no stake", v.Address)
		}
		if seen[v.Address] {
			return fmt.Errorf("validator %s declared twice", v.Address)
		}
		seen[v.Address] = true
	}

	return nil
}
