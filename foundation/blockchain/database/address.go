package database

import (
	"crypto/ecdsa"
	"errors"

	"github.com/nfl0/tinychain/foundation/blockchain/signature"
)

// Address represents a hex-encoded participant on the blockchain. A user
// address is the uncompressed public key of the account. System contracts
// are addressed by the hex encoding of their name.
type Address string

// The two system contracts and the proposer name used for the genesis block.
const (
	AccountsContract Address = "6163636f756e7473"
	StakingContract  Address = "7374616b696e67"
	GenesisProposer  Address = "genesis"
)

// ToAddress converts a hex-encoded string to an address and validates the
// hex-encoded string is formatted correctly.
func ToAddress(hex string) (Address, error) {
	a := Address(hex)
	if !a.IsAddress() {
		return "", errors.New("invalid address format")
	}

	return a, nil
}

// PublicKeyToAddress converts the public key to an address value.
func PublicKeyToAddress(pk ecdsa.PublicKey) Address {
	return Address(signature.Address(pk))
}

// IsAddress verifies whether the underlying data is a non-empty string of
// hexadecimal characters.
func (a Address) IsAddress() bool {
	return len(a) > 0 && isHex(a)
}

// IsSystem reports whether the address belongs to a system contract.
func (a Address) IsSystem() bool {
	return a == AccountsContract || a == StakingContract
}

// =============================================================================

// isHex validates whether each byte is valid hexadecimal string.
func isHex(a Address) bool {
	if len(a)%2 != 0 {
		return false
	}

	for _, c := range []byte(a) {
		if !isHexCharacter(c) {
			return false
		}
	}

	return true
}

// isHexCharacter returns bool of c being a valid hexadecimal.
func isHexCharacter(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
