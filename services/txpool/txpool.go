// Package txpool holds transactions waiting to be proposed and committed.
package txpool

import (
	"context"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// Pool is the surface the relay and sync handlers need from a transaction
// pool implementation.
type Pool interface {
	// SubmitTransaction admits a transaction into the pool.
	SubmitTransaction(ctx context.Context, tx *model.Transaction) error

	// GetTransaction looks a pool transaction up by hash.
	GetTransaction(hash *chainhash.Hash) (*model.Transaction, bool)

	// GetByProposalID looks a pool transaction up by its 10-byte short ID.
	GetByProposalID(id model.ProposalShortID) (*model.Transaction, bool)

	// NotifyNewTip reconciles the pool against a tip transition: committed
	// transactions leave, detached ones come back.
	NotifyNewTip(ctx context.Context, n *chain.Notification)

	// ProposalCandidates returns short IDs of pool transactions in admission
	// order, oldest first, up to the limit. Miners propose from the front.
	ProposalCandidates(limit int) []model.ProposalShortID

	Count() int
}

// MemoryPool is the in-process Pool used by the node.
type MemoryPool struct {
	logger ulogger.Logger
	chain  *chain.Chain

	mu     sync.RWMutex
	byHash map[chainhash.Hash]*model.Transaction
	byID   map[model.ProposalShortID]chainhash.Hash

	// order keeps admission order for ProposalCandidates. Removed hashes
	// linger until the next candidate scan compacts them out.
	order []chainhash.Hash
}

var _ Pool = (*MemoryPool)(nil)

func New(logger ulogger.Logger, _ *settings.Settings, c *chain.Chain) *MemoryPool {
	return &MemoryPool{
		logger: logger.New("txpool"),
		chain:  c,
		byHash: make(map[chainhash.Hash]*model.Transaction),
		byID:   make(map[model.ProposalShortID]chainhash.Hash),
	}
}

func (p *MemoryPool) SubmitTransaction(_ context.Context, tx *model.Transaction) error {
	if tx.IsCellbase() {
		return errors.NewTxInvalidError("cellbase transactions cannot enter the pool")
	}
	if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return errors.NewTxInvalidError("transaction %s has no inputs or outputs", tx.Hash())
	}

	// Inputs must reference live cells or other pool transactions.
	cells := p.chain.Cells()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[*tx.Hash()]; ok {
		return errors.NewTxAlreadyExistsError("transaction %s already in pool", tx.Hash())
	}

	for _, in := range tx.Inputs {
		if cells.IsLive(in.PreviousOutput) {
			continue
		}
		if _, ok := p.byHash[in.PreviousOutput.TxHash]; ok {
			continue
		}

		return errors.NewTxInvalidError("transaction %s spends unknown cell %s", tx.Hash(), in.PreviousOutput)
	}

	p.byHash[*tx.Hash()] = tx
	p.byID[tx.ProposalID()] = *tx.Hash()
	p.order = append(p.order, *tx.Hash())

	return nil
}

func (p *MemoryPool) GetTransaction(hash *chainhash.Hash) (*model.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tx, ok := p.byHash[*hash]
	return tx, ok
}

func (p *MemoryPool) GetByProposalID(id model.ProposalShortID) (*model.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hash, ok := p.byID[id]
	if !ok {
		return nil, false
	}

	tx, ok := p.byHash[hash]
	return tx, ok
}

// NotifyNewTip drops transactions committed by attached blocks and
// re-admits the transactions of detached blocks, skipping any that now
// conflict with the rebuilt cell set.
func (p *MemoryPool) NotifyNewTip(ctx context.Context, n *chain.Notification) {
	p.mu.Lock()

	for _, block := range n.AttachedBlocks {
		for _, tx := range block.Transactions {
			if tx.IsCellbase() {
				continue
			}
			p.remove(tx.Hash())
		}
	}

	p.mu.Unlock()

	for _, tx := range n.DetachedTxs {
		if err := p.SubmitTransaction(ctx, tx); err != nil {
			if !errors.Is(err, errors.ErrTxAlreadyExists) {
				p.logger.Debugf("dropping detached transaction %s: %v", tx.Hash(), err)
			}
		}
	}

	// Attached blocks may have spent cells that pool transactions relied
	// on; evict anything left dangling.
	p.evictConflicts()
}

func (p *MemoryPool) evictConflicts() {
	cells := p.chain.Cells()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		evicted := false

		for hash, tx := range p.byHash {
			for _, in := range tx.Inputs {
				if cells.IsLive(in.PreviousOutput) {
					continue
				}
				if _, ok := p.byHash[in.PreviousOutput.TxHash]; ok {
					continue
				}

				h := hash
				p.remove(&h)
				evicted = true
				break
			}
		}

		if !evicted {
			return
		}
	}
}

func (p *MemoryPool) ProposalCandidates(limit int) []model.ProposalShortID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []model.ProposalShortID

	live := p.order[:0]
	for _, hash := range p.order {
		tx, ok := p.byHash[hash]
		if !ok {
			continue
		}
		live = append(live, hash)

		if limit <= 0 || len(ids) < limit {
			ids = append(ids, tx.ProposalID())
		}
	}
	p.order = live

	return ids
}

func (p *MemoryPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.byHash)
}

// remove deletes a transaction by hash. Callers hold the lock.
func (p *MemoryPool) remove(hash *chainhash.Hash) {
	tx, ok := p.byHash[*hash]
	if !ok {
		return
	}

	delete(p.byHash, *hash)
	delete(p.byID, tx.ProposalID())
}
