package chain

import (
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
)

// CellMeta describes a live cell in the active chain state.
type CellMeta struct {
	Output        *model.CellOutput
	CreatedHeight uint64
	IsCellbase    bool
}

// cellDiff records what one block did to the live set, so a detach can be
// reversed exactly.
type cellDiff struct {
	// created lists outpoints the block added.
	created []model.OutPoint

	// consumed maps spent outpoints back to the cells they held.
	consumed map[model.OutPoint]CellMeta
}

// CellSet is the live cell set of the active chain. It only ever reflects the
// canonical branch; the fork switch applies and rolls back whole blocks.
type CellSet struct {
	mu    sync.RWMutex
	live  map[model.OutPoint]CellMeta
	diffs map[chainhash.Hash]*cellDiff
}

func NewCellSet() *CellSet {
	return &CellSet{
		live:  make(map[model.OutPoint]CellMeta),
		diffs: make(map[chainhash.Hash]*cellDiff),
	}
}

// Get returns the live cell at the outpoint, or false if it is spent or
// unknown.
func (cs *CellSet) Get(op model.OutPoint) (CellMeta, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	meta, ok := cs.live[op]
	return meta, ok
}

func (cs *CellSet) IsLive(op model.OutPoint) bool {
	_, ok := cs.Get(op)
	return ok
}

// ApplyBlock consumes every input and creates every output of the block,
// keeping the per-block diff so RollbackBlock can undo it. A missing input
// cell fails the whole block without touching the set.
func (cs *CellSet) ApplyBlock(block *model.Block) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	diff := &cellDiff{
		consumed: make(map[model.OutPoint]CellMeta),
	}

	// inBlock carries outputs created earlier in the block; nothing touches
	// cs.live until the whole block has checked out.
	inBlock := make(map[model.OutPoint]CellMeta)

	for _, tx := range block.Transactions {
		if !tx.IsCellbase() {
			for _, in := range tx.Inputs {
				op := in.PreviousOutput

				if _, ok := inBlock[op]; ok {
					delete(inBlock, op)
					continue
				}

				if _, spent := diff.consumed[op]; spent {
					return errors.NewTxInvalidError("cell %s spent twice in block %s", op, block.Hash())
				}

				meta, ok := cs.live[op]
				if !ok {
					return errors.NewTxInvalidError("tx %s spends dead cell %s", tx.Hash(), op)
				}

				diff.consumed[op] = meta
			}
		}

		txHash := tx.Hash()
		for i := range tx.Outputs {
			op := model.OutPoint{TxHash: *txHash, Index: uint32(i)}
			inBlock[op] = CellMeta{
				Output:        tx.Outputs[i],
				CreatedHeight: block.Height(),
				IsCellbase:    tx.IsCellbase(),
			}
		}
	}

	for op := range diff.consumed {
		delete(cs.live, op)
	}

	for op, meta := range inBlock {
		cs.live[op] = meta
		diff.created = append(diff.created, op)
	}

	cs.diffs[*block.Hash()] = diff

	return nil
}

// RollbackBlock undoes ApplyBlock for the given block. Blocks must be rolled
// back tip-first, mirroring the order they were applied.
func (cs *CellSet) RollbackBlock(blockHash *chainhash.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	diff, ok := cs.diffs[*blockHash]
	if !ok {
		return errors.NewProcessingError("no cell diff recorded for block %s", blockHash)
	}

	for _, op := range diff.created {
		delete(cs.live, op)
	}

	for op, meta := range diff.consumed {
		cs.live[op] = meta
	}

	delete(cs.diffs, *blockHash)

	return nil
}

// ForgetDiff drops the rollback record for a block that can no longer be
// detached. Deep diffs are pruned once the block is buried.
func (cs *CellSet) ForgetDiff(blockHash *chainhash.Hash) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	delete(cs.diffs, *blockHash)
}

func (cs *CellSet) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return len(cs.live)
}
