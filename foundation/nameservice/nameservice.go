// Package nameservice reads the zblock/accounts folder and creates a name
// service lookup for the accounts found there.
package nameservice

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
)

// NameService maintains a map of accounts for name lookup.
type NameService struct {
	names     map[database.Address]string
	addresses map[string]database.Address
}

// New constructs a name service with accounts from the key files under the
// root folder. The name of an account is its key file name.
func New(root string) (*NameService, error) {
	ns := NameService{
		names:     make(map[database.Address]string),
		addresses: make(map[string]database.Address),
	}

	fn := func(fileName string, info fs.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walkdir failure: %w", err)
		}

		if path.Ext(fileName) != ".ecdsa" {
			return nil
		}

		privateKey, err := crypto.LoadECDSA(fileName)
		if err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}

		address := database.PublicKeyToAddress(privateKey.PublicKey)
		name := strings.TrimSuffix(path.Base(fileName), ".ecdsa")

		ns.names[address] = name
		ns.addresses[name] = address

		return nil
	}

	if err := filepath.Walk(root, fn); err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return &ns, nil
}

// Lookup returns the name for the specified address, or the address itself
// when it isn't known.
func (ns *NameService) Lookup(address database.Address) string {
	name, exists := ns.names[address]
	if !exists {
		return string(address)
	}
	return name
}

// Resolve returns the address for a name. Anything that already is an
// address is returned as is.
func (ns *NameService) Resolve(nameOrAddress string) (database.Address, error) {
	if address, exists := ns.addresses[nameOrAddress]; exists {
		return address, nil
	}
	return database.ToAddress(nameOrAddress)
}

// Copy returns a copy of the map of names and accounts.
func (ns *NameService) Copy() map[database.Address]string {
	cpy := make(map[database.Address]string, len(ns.names))
	for address, name := range ns.names {
		cpy[address] = name
	}
	return cpy
}
