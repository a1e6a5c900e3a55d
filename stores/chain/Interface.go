// Package chain defines the storage contract the chain state machine commits
// through. Implementations must make SwitchBatch atomic: a fork switch is
// either durably recorded in full or not at all.
package chain

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/model"
)

type Store interface {
	// GetHeader returns the header for the given hash, ERR_NOT_FOUND when
	// unknown.
	GetHeader(ctx context.Context, blockHash *chainhash.Hash) (*model.BlockHeader, error)

	// GetBlock returns the full block body, ERR_NOT_FOUND when the body was
	// never stored.
	GetBlock(ctx context.Context, blockHash *chainhash.Hash) (*model.Block, error)

	// PutBlock durably appends a fully verified block. Storing a block does
	// not make it canonical; only a SwitchBatch moves the tip.
	PutBlock(ctx context.Context, block *model.Block) error

	// GetTip returns the canonical tip header, ERR_NOT_FOUND before genesis
	// is planted.
	GetTip(ctx context.Context) (*model.BlockHeader, error)

	// BeginSwitch opens an atomic tip transition. At most one switch may be
	// open at a time; the caller holds the chain-state lock for its duration.
	BeginSwitch(ctx context.Context) (SwitchBatch, error)

	// GetCellSetDiff returns the net cell-set change of the canonical blocks
	// in [fromHeight, toHeight], both ends inclusive. ERR_NOT_FOUND when the
	// range reaches past the stored tip, ERR_INVALID_ARGUMENT when it is
	// empty.
	GetCellSetDiff(ctx context.Context, fromHeight, toHeight uint64) (*CellSetDiff, error)

	Close() error
}

// CreatedCell is a cell output born inside a diff's height range and still
// live at its upper end.
type CreatedCell struct {
	OutPoint model.OutPoint
	Output   model.CellOutput
	Height   uint64
	Cellbase bool
}

// CellSetDiff is the net effect of a canonical height range on the cell set:
// applying it on top of the set as of FromHeight-1 yields the set as of
// ToHeight.
type CellSetDiff struct {
	FromHeight uint64
	ToHeight   uint64

	// Created holds cells born in the range that survive it.
	Created []CreatedCell

	// Spent holds out-points born before the range and consumed inside it.
	Spent []model.OutPoint
}

// NewCellSetDiff folds canonical blocks, ascending by height, into a net
// diff. Spends of cells born inside the range cancel out instead of being
// reported.
func NewCellSetDiff(fromHeight, toHeight uint64, blocks []*model.Block) *CellSetDiff {
	diff := &CellSetDiff{FromHeight: fromHeight, ToHeight: toHeight}

	created := make(map[model.OutPoint]struct{}, len(blocks))

	for _, block := range blocks {
		for _, tx := range block.Transactions {
			if !tx.IsCellbase() {
				for _, in := range tx.Inputs {
					if _, ok := created[in.PreviousOutput]; ok {
						delete(created, in.PreviousOutput)
						continue
					}
					diff.Spent = append(diff.Spent, in.PreviousOutput)
				}
			}

			txHash := *tx.Hash()
			for i, out := range tx.Outputs {
				op := model.OutPoint{TxHash: txHash, Index: uint32(i)}
				created[op] = struct{}{}
				diff.Created = append(diff.Created, CreatedCell{
					OutPoint: op,
					Output:   *out,
					Height:   block.Height(),
					Cellbase: tx.IsCellbase(),
				})
			}
		}
	}

	// Compact out the cells that were spent again inside the range.
	live := diff.Created[:0]
	for _, cell := range diff.Created {
		if _, ok := created[cell.OutPoint]; ok {
			live = append(live, cell)
		}
	}
	diff.Created = live

	return diff
}

// SwitchBatch records a tip transition: zero or more detached blocks, one or
// more attached blocks, and the new tip. Nothing is visible to readers until
// Commit returns nil.
type SwitchBatch interface {
	Detach(block *model.Block) error
	Attach(block *model.Block) error
	SetTip(header *model.BlockHeader) error

	Commit() error
	Abort() error
}
