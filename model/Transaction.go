package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"golang.org/x/crypto/blake2b"
)

// ProposalShortIDLength is the truncated identifier length used in proposal
// lists and proposal merkle roots.
const ProposalShortIDLength = 10

// ProposalShortID is the short identifier a transaction is proposed under:
// the first 10 bytes of its hash.
type ProposalShortID [ProposalShortIDLength]byte

func (id ProposalShortID) String() string {
	return hex.EncodeToString(id[:])
}

// OutPoint references a cell created by a previous transaction.
type OutPoint struct {
	TxHash chainhash.Hash
	Index  uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash.String(), o.Index)
}

func (o OutPoint) Bytes() []byte {
	buf := make([]byte, 36)
	copy(buf[:32], o.TxHash[:])
	binary.LittleEndian.PutUint32(buf[32:], o.Index)

	return buf
}

// CellInput consumes the cell referenced by PreviousOutput.
type CellInput struct {
	PreviousOutput OutPoint
	Since          uint64
}

// CellOutput creates a new cell holding Capacity shannons locked by LockHash.
type CellOutput struct {
	Capacity uint64
	LockHash chainhash.Hash
}

type Transaction struct {
	Version uint32
	Inputs  []*CellInput
	Outputs []*CellOutput

	// cellbase witness data, height-bound so every cellbase is unique
	CellbaseWitness []byte

	hash *chainhash.Hash
}

// NewCellbase builds the reward transaction for a block at the given height.
// A cellbase has a single null input whose Since field carries the height.
func NewCellbase(height uint64, reward uint64, lockHash chainhash.Hash) *Transaction {
	return &Transaction{
		Version: 0,
		Inputs: []*CellInput{{
			PreviousOutput: OutPoint{Index: 0xffffffff},
			Since:          height,
		}},
		Outputs: []*CellOutput{{
			Capacity: reward,
			LockHash: lockHash,
		}},
		CellbaseWitness: binary.LittleEndian.AppendUint64(nil, height),
	}
}

// IsCellbase reports whether the transaction is a reward transaction: exactly
// one input referencing the null out point.
func (tx *Transaction) IsCellbase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}

	in := tx.Inputs[0].PreviousOutput

	return in.Index == 0xffffffff && in.TxHash.IsEqual(&chainhash.Hash{})
}

func (tx *Transaction) Bytes() []byte {
	size := 4 + 4 + len(tx.Inputs)*44 + 4 + len(tx.Outputs)*40 + 4 + len(tx.CellbaseWitness)
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PreviousOutput.Bytes()...)
		buf = binary.LittleEndian.AppendUint64(buf, in.Since)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Capacity)
		buf = append(buf, out.LockHash[:]...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.CellbaseWitness)))
	buf = append(buf, tx.CellbaseWitness...)

	return buf
}

// Hash returns the blake2b-256 content hash. Transactions are immutable once
// constructed, so the hash is computed once and cached.
func (tx *Transaction) Hash() *chainhash.Hash {
	if tx.hash != nil {
		return tx.hash
	}

	digest := blake2b.Sum256(tx.Bytes())
	hash, _ := chainhash.NewHash(digest[:])
	tx.hash = hash

	return hash
}

// ProposalID returns the short identifier the transaction must be proposed
// under before it may be committed.
func (tx *Transaction) ProposalID() ProposalShortID {
	var id ProposalShortID
	copy(id[:], tx.Hash()[:ProposalShortIDLength])

	return id
}

// Size returns the serialized size in bytes.
func (tx *Transaction) Size() uint64 {
	return uint64(len(tx.Bytes()))
}
