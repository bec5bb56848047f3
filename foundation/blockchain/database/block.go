package database

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/nfl0/tinychain/foundation/blockchain/merkle"
	"github.com/nfl0/tinychain/foundation/blockchain/signature"
)

// ErrBodyMismatch is returned when the transaction bodies of a block don't
// match the ordered hash list in its header.
var ErrBodyMismatch = errors.New("transaction bodies don't match header hashes")

// =============================================================================

// Signature is a validator's signature over a block hash.
type Signature struct {
	ValidatorAddress Address `json:"validator_address"`
	Timestamp        int64   `json:"timestamp"`
	Signature        string  `json:"signature"`
	ValidatorIndex   uint64  `json:"validator_index"`
}

// Verify checks the signature was produced over the block hash by the
// validator address it claims.
func (s Signature) Verify(blockHash string) error {
	return signature.Verify(string(s.ValidatorAddress), []byte(blockHash), s.Signature)
}

// SignBlockHash produces the signature of a validator over the block hash.
func SignBlockHash(blockHash string, index uint64, timestamp int64, privateKey *ecdsa.PrivateKey) (Signature, error) {
	sig, err := signature.Sign([]byte(blockHash), privateKey)
	if err != nil {
		return Signature{}, err
	}

	s := Signature{
		ValidatorAddress: PublicKeyToAddress(privateKey.PublicKey),
		Timestamp:        timestamp,
		Signature:        sig,
		ValidatorIndex:   index,
	}

	return s, nil
}

// AddSignature merges a signature into the list keeping at most one per
// validator. A later timestamp from the same validator replaces the earlier
// one. The result is ordered by validator index, then address.
func AddSignature(sigs []Signature, sig Signature) []Signature {
	out := make([]Signature, 0, len(sigs)+1)

	replaced := false
	for _, s := range sigs {
		if s.ValidatorAddress != sig.ValidatorAddress {
			out = append(out, s)
			continue
		}

		replaced = true
		if sig.Timestamp > s.Timestamp {
			out = append(out, sig)
			continue
		}
		out = append(out, s)
	}

	if !replaced {
		out = append(out, sig)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ValidatorIndex != out[j].ValidatorIndex {
			return out[i].ValidatorIndex < out[j].ValidatorIndex
		}
		return out[i].ValidatorAddress < out[j].ValidatorAddress
	})

	return out
}

// SignState is the last block a validator signed. A validator signs at most
// one block hash per height.
type SignState struct {
	Height    uint64 `json:"height"`
	BlockHash string `json:"block_hash"`
}

// Conflicts reports whether signing the block at the height would put a
// second signature on that height.
func (ss SignState) Conflicts(height uint64, blockHash string) bool {
	return ss.BlockHash != "" && ss.Height == height && ss.BlockHash != blockHash
}

// =============================================================================

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Height        uint64      `json:"height"`              // Position in the chain, genesis is 0.
	Timestamp     int64       `json:"timestamp"`           // Unix seconds the block was proposed.
	PrevBlockHash string      `json:"previous_block_hash"` // Hash of the previous block in the chain.
	MerkleRoot    string      `json:"merkle_root"`         // Root over the ordered transaction hashes.
	StateRoot     string      `json:"state_root"`          // Root over the ordered state mutations.
	BlockHash     string      `json:"block_hash"`          // Hash over the roots, timestamp and previous hash.
	Proposer      Address     `json:"proposer"`            // Validator that assembled the block.
	Signatures    []Signature `json:"signatures"`          // Validator signatures over the block hash.
	TxHashes      []string    `json:"transaction_hashes"`  // Ordered hashes of the included transactions.
}

// ComputeHash returns the block hash derived from the header's merkle root,
// timestamp, state root and previous block hash.
func (bh BlockHeader) ComputeHash() string {
	return Hash(bh.MerkleRoot, strconv.FormatInt(bh.Timestamp, 10), bh.StateRoot, bh.PrevBlockHash)
}

// ComputeMerkleRoot returns the merkle root over the header's transaction
// hash list.
func (bh BlockHeader) ComputeMerkleRoot() string {
	return MerkleRoot(bh.TxHashes)
}

// Signer returns the signature entry for the address if one exists.
func (bh BlockHeader) Signer(address Address) (Signature, bool) {
	for _, s := range bh.Signatures {
		if s.ValidatorAddress == address {
			return s, true
		}
	}
	return Signature{}, false
}

// Clone returns a copy of the header that shares no slices with the original.
func (bh BlockHeader) Clone() BlockHeader {
	bh.Signatures = append([]Signature(nil), bh.Signatures...)
	bh.TxHashes = append([]string(nil), bh.TxHashes...)
	return bh
}

// String implements the fmt.Stringer interface for logging.
func (bh BlockHeader) String() string {
	return fmt.Sprintf("%d:%s", bh.Height, short(bh.BlockHash))
}

// =============================================================================

// Block represents a group of transactions batched together.
type Block struct {
	Header       BlockHeader `json:"header"`
	Transactions []Tx        `json:"transactions"`
}

// NewBlock constructs a block from the header fields and transactions. The
// hash list, merkle root and block hash are derived from the transactions.
func NewBlock(height uint64, timestamp int64, prevBlockHash string, stateRoot string, proposer Address, txs []Tx) Block {
	hashes := make([]string, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}

	header := BlockHeader{
		Height:        height,
		Timestamp:     timestamp,
		PrevBlockHash: prevBlockHash,
		MerkleRoot:    MerkleRoot(hashes),
		StateRoot:     stateRoot,
		Proposer:      proposer,
		Signatures:    []Signature{},
		TxHashes:      hashes,
	}
	header.BlockHash = header.ComputeHash()

	return Block{
		Header:       header,
		Transactions: append([]Tx(nil), txs...),
	}
}

// Hash returns the block hash.
func (b Block) Hash() string {
	return b.Header.BlockHash
}

// Validate checks the transaction bodies match the header hash list
// exactly and in order.
func (b Block) Validate() error {
	if len(b.Transactions) != len(b.Header.TxHashes) {
		return fmt.Errorf("%w: %d bodies, %d hashes", ErrBodyMismatch, len(b.Transactions), len(b.Header.TxHashes))
	}

	for i, tx := range b.Transactions {
		if tx.ComputeHash() != b.Header.TxHashes[i] {
			return fmt.Errorf("%w: position %d", ErrBodyMismatch, i)
		}
	}

	return nil
}

// TxTree builds a merkle tree over the block's transactions for producing
// inclusion proofs. Its root matches the header's merkle root.
func (b Block) TxTree() (*merkle.Tree[Tx], error) {
	return merkle.NewTree(b.Transactions)
}

// =============================================================================

// MerkleRoot computes the hex merkle root over an ordered list of
// transaction hashes. An empty list yields the hash of no data.
func MerkleRoot(hashes []string) string {
	log := merkle.NewLog()
	for _, h := range hashes {
		log.Append([]byte(h))
	}

	return log.RootHex()
}
