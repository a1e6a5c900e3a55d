package model

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"golang.org/x/crypto/blake2b"
)

// UncleBlock is a competing header embedded in a nephew block, together with
// the proposals it introduced.
type UncleBlock struct {
	Header    *BlockHeader
	Proposals []ProposalShortID
}

func (u *UncleBlock) Hash() *chainhash.Hash {
	return u.Header.Hash()
}

type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
	Proposals    []ProposalShortID
	Uncles       []*UncleBlock
}

func NewBlock(header *BlockHeader, txs []*Transaction, proposals []ProposalShortID, uncles []*UncleBlock) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
		Proposals:    proposals,
		Uncles:       uncles,
	}
}

// Hash is the block's identity: the header hash.
func (b *Block) Hash() *chainhash.Hash {
	return b.Header.Hash()
}

func (b *Block) Height() uint64 {
	return b.Header.Height
}

// Cellbase returns the reward transaction, nil when the block has none.
func (b *Block) Cellbase() *Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}

	if !b.Transactions[0].IsCellbase() {
		return nil
	}

	return b.Transactions[0]
}

// CalcTransactionsRoot computes the merkle root over the transaction hashes.
func (b *Block) CalcTransactionsRoot() *chainhash.Hash {
	hashes := make([]*chainhash.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}

	return CalcMerkleRoot(hashes)
}

// CalcProposalsRoot computes the merkle root over the proposal short IDs.
func (b *Block) CalcProposalsRoot() *chainhash.Hash {
	hashes := make([]*chainhash.Hash, len(b.Proposals))
	for i, id := range b.Proposals {
		digest := blake2b.Sum256(id[:])
		hash, _ := chainhash.NewHash(digest[:])
		hashes[i] = hash
	}

	return CalcMerkleRoot(hashes)
}

// CalcUnclesHash hashes the concatenated uncle header hashes; zero when the
// block has no uncles.
func (b *Block) CalcUnclesHash() *chainhash.Hash {
	if len(b.Uncles) == 0 {
		return &chainhash.Hash{}
	}

	buf := make([]byte, 0, len(b.Uncles)*chainhash.HashSize)
	for _, uncle := range b.Uncles {
		buf = append(buf, uncle.Hash()[:]...)
	}

	digest := blake2b.Sum256(buf)
	hash, _ := chainhash.NewHash(digest[:])

	return hash
}

// SerializeSize returns the serialized size of the block in bytes.
func (b *Block) SerializeSize() uint64 {
	size := uint64(blockHeaderSize)

	for _, tx := range b.Transactions {
		size += tx.Size()
	}

	size += uint64(len(b.Proposals)) * ProposalShortIDLength

	for range b.Uncles {
		size += uint64(blockHeaderSize)
	}
	for _, uncle := range b.Uncles {
		size += uint64(len(uncle.Proposals)) * ProposalShortIDLength
	}

	return size
}

// TxHashes returns the hashes of all transactions in order.
func (b *Block) TxHashes() []*chainhash.Hash {
	hashes := make([]*chainhash.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}

	return hashes
}
