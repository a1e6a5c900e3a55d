package model

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"golang.org/x/crypto/blake2b"

	"github.com/chanhsu001/ckb/errors"
)

// blockHeaderSize is the serialized size of a header: version (4) + parent
// (32) + height (8) + timestamp (8) + compact target (4) + nonce (8) +
// transactions root (32) + proposals root (32) + uncles hash (32) + epoch (8).
const blockHeaderSize = 168

type BlockHeader struct {
	// Version of the block. This is not the same as the protocol version.
	Version uint32

	// Hash of the parent block header.
	ParentHash *chainhash.Hash

	// Height of this block, genesis is 0.
	Height uint64

	// Time the block was created, in milliseconds since the unix epoch.
	Timestamp uint64

	// Difficulty target for the block, in compact form.
	CompactTarget uint32

	// Nonce used to solve the proof of work.
	Nonce uint64

	// Merkle root of the committed transactions.
	TransactionsRoot *chainhash.Hash

	// Merkle root of the proposal short IDs.
	ProposalsRoot *chainhash.Hash

	// Hash over the uncle headers.
	UnclesHash *chainhash.Hash

	// Epoch the block belongs to, packed as number/index/length.
	Epoch Epoch
}

func NewBlockHeaderFromBytes(headerBytes []byte) (*BlockHeader, error) {
	if len(headerBytes) != blockHeaderSize {
		return nil, errors.NewBlockMalformedError("block header should be %d bytes long, got %d", blockHeaderSize, len(headerBytes))
	}

	parentHash, err := chainhash.NewHash(headerBytes[4:36])
	if err != nil {
		return nil, errors.NewBlockMalformedError("error creating parent hash from bytes", err)
	}

	transactionsRoot, err := chainhash.NewHash(headerBytes[64:96])
	if err != nil {
		return nil, errors.NewBlockMalformedError("error creating transactions root from bytes", err)
	}

	proposalsRoot, err := chainhash.NewHash(headerBytes[96:128])
	if err != nil {
		return nil, errors.NewBlockMalformedError("error creating proposals root from bytes", err)
	}

	unclesHash, err := chainhash.NewHash(headerBytes[128:160])
	if err != nil {
		return nil, errors.NewBlockMalformedError("error creating uncles hash from bytes", err)
	}

	return &BlockHeader{
		Version:          binary.LittleEndian.Uint32(headerBytes[:4]),
		ParentHash:       parentHash,
		Height:           binary.LittleEndian.Uint64(headerBytes[36:44]),
		Timestamp:        binary.LittleEndian.Uint64(headerBytes[44:52]),
		CompactTarget:    binary.LittleEndian.Uint32(headerBytes[52:56]),
		Nonce:            binary.LittleEndian.Uint64(headerBytes[56:64]),
		TransactionsRoot: transactionsRoot,
		ProposalsRoot:    proposalsRoot,
		UnclesHash:       unclesHash,
		Epoch:            Epoch(binary.LittleEndian.Uint64(headerBytes[160:168])),
	}, nil
}

func NewBlockHeaderFromString(headerHex string) (*BlockHeader, error) {
	headerBytes, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, errors.NewBlockMalformedError("error decoding hex string to bytes", err)
	}

	return NewBlockHeaderFromBytes(headerBytes)
}

func (bh *BlockHeader) Bytes() []byte {
	buf := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], bh.Version)
	copy(buf[4:36], bh.ParentHash.CloneBytes())
	binary.LittleEndian.PutUint64(buf[36:44], bh.Height)
	binary.LittleEndian.PutUint64(buf[44:52], bh.Timestamp)
	binary.LittleEndian.PutUint32(buf[52:56], bh.CompactTarget)
	binary.LittleEndian.PutUint64(buf[56:64], bh.Nonce)
	copy(buf[64:96], bh.TransactionsRoot.CloneBytes())
	copy(buf[96:128], bh.ProposalsRoot.CloneBytes())
	copy(buf[128:160], bh.UnclesHash.CloneBytes())
	binary.LittleEndian.PutUint64(buf[160:168], uint64(bh.Epoch))

	return buf
}

// Hash returns the blake2b-256 content hash, the header's identity.
func (bh *BlockHeader) Hash() *chainhash.Hash {
	digest := blake2b.Sum256(bh.Bytes())
	hash, _ := chainhash.NewHash(digest[:])

	return hash
}

// PowHash is the digest checked against the difficulty target. The nonce is
// part of the hashed content, so it equals the identity hash.
func (bh *BlockHeader) PowHash() *chainhash.Hash {
	return bh.Hash()
}

// ValidPow reports whether the header's own hash satisfies its declared
// compact target.
func (bh *BlockHeader) ValidPow() bool {
	target := CompactToBig(bh.CompactTarget)
	if target.Sign() <= 0 {
		return false
	}

	hashNum := HashToBig(bh.PowHash())

	return hashNum.Cmp(target) <= 0
}

// HashToBig converts a hash into a big.Int for target comparisons, treating
// the hash bytes as big endian.
func HashToBig(hash *chainhash.Hash) *big.Int {
	buf := hash.CloneBytes()
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}

	return new(big.Int).SetBytes(buf)
}
