// Package signature provides helper functions for handling the blockchain
// signature needs. Addresses are the hex encoding of the 64 byte uncompressed
// secp256k1 public key, so a signature can be verified against an address
// without recovering the key.
package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the number of hex characters in a user address.
const AddressLength = 128

// Set of error variables for signature handling.
var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidSignature = errors.New("invalid signature")
)

// =============================================================================

// Sign uses the specified private key to sign the message. The result is the
// hex encoded 65 byte [R|S|V] signature.
func Sign(message []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	digest := stamp(message)

	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", err
	}

	// Check the signature verifies under the key's address before handing
	// it out.
	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(&privateKey.PublicKey), digest, rs) {
		return "", ErrInvalidSignature
	}

	return hex.EncodeToString(sig), nil
}

// Verify checks the hex encoded signature was produced over the message by
// the key behind the address. Any failure from decoding the address or the
// signature is reported as an error rather than a panic.
func Verify(address string, message []byte, sigHex string) error {
	publicKey, err := PublicKey(address)
	if err != nil {
		return err
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: decoding: %s", ErrInvalidSignature, err)
	}

	if len(sig) != crypto.SignatureLength && len(sig) != crypto.RecoveryIDOffset {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), stamp(message), sig[:crypto.RecoveryIDOffset]) {
		return ErrInvalidSignature
	}

	return nil
}

// Address returns the address for the specified public key.
func Address(publicKey ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(&publicKey)[1:])
}

// PublicKey converts an address back into the public key it encodes.
func PublicKey(address string) (*ecdsa.PublicKey, error) {
	if len(address) != AddressLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(address))
	}

	raw, err := hex.DecodeString(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}

	// Restore the uncompressed point prefix.
	publicKey, err := crypto.UnmarshalPubkey(append([]byte{0x04}, raw...))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}

	return publicKey, nil
}

// =============================================================================

// stamp returns a hash of 32 bytes that represents this message with
// the Tinychain stamp embedded into the final hash.
func stamp(message []byte) []byte {

	// Hash the message into a 32 byte array. This will provide
	// a data length consistency with all messages.
	msgHash := crypto.Keccak256(message)

	// This stamp is used so signatures we produce when signing messages
	// are always unique to the Tinychain blockchain.
	stamp := []byte("\x19Tinychain Signed Message:\n32")

	// Hash the stamp and msgHash together in a final 32 byte array
	// that represents the message.
	return crypto.Keccak256(stamp, msgHash)
}
