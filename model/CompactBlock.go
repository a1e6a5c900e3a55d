package model

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// PrefilledTransaction carries a transaction the sender knows the receiver
// cannot reconstruct, at its index in the block. The cellbase is always
// prefilled.
type PrefilledTransaction struct {
	Index uint32
	Tx    *Transaction
}

// CompactBlock is the short-identifier form of a block used for relay:
// receivers reconstruct transactions out of their own pools and only request
// what they are missing.
type CompactBlock struct {
	Header      *BlockHeader
	ShortIDs    []uint64
	Prefilled   []*PrefilledTransaction
	Proposals   []ProposalShortID
	Uncles      []*UncleBlock
}

// ShortTxID derives the relay short ID for a transaction hash. The ID is
// keyed by the header nonce and hash so peers cannot grind collisions across
// blocks.
func ShortTxID(header *BlockHeader, txHash *chainhash.Hash) uint64 {
	key := make([]byte, 0, chainhash.HashSize+8+chainhash.HashSize)
	key = append(key, header.Hash()[:]...)
	key = binary.LittleEndian.AppendUint64(key, header.Nonce)
	key = append(key, txHash[:]...)

	return xxhash.Sum64(key)
}

// NewCompactBlock builds the compact form of a block. The cellbase is
// prefilled; all other transactions are sent as short IDs.
func NewCompactBlock(block *Block) *CompactBlock {
	cb := &CompactBlock{
		Header:    block.Header,
		ShortIDs:  make([]uint64, 0, len(block.Transactions)),
		Proposals: block.Proposals,
		Uncles:    block.Uncles,
	}

	for i, tx := range block.Transactions {
		if i == 0 && tx.IsCellbase() {
			cb.Prefilled = append(cb.Prefilled, &PrefilledTransaction{Index: 0, Tx: tx})
			continue
		}

		cb.ShortIDs = append(cb.ShortIDs, ShortTxID(block.Header, tx.Hash()))
	}

	return cb
}

// TxCount is the number of transactions in the original block.
func (cb *CompactBlock) TxCount() int {
	return len(cb.ShortIDs) + len(cb.Prefilled)
}
