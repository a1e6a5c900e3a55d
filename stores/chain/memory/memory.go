// Package memory is a map-backed chain store used by tests and as the
// default store in simulations.
package memory

import (
	"context"
	"net/url"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/stores/chain"
	"github.com/chanhsu001/ckb/ulogger"
)

func init() {
	chain.Register("memory", func(_ context.Context, _ ulogger.Logger, _ *url.URL) (chain.Store, error) {
		return New(), nil
	})
}

type Store struct {
	mu      sync.RWMutex
	headers map[chainhash.Hash]*model.BlockHeader
	blocks  map[chainhash.Hash]*model.Block
	tip     *model.BlockHeader

	switchOpen bool
}

var _ chain.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		headers: make(map[chainhash.Hash]*model.BlockHeader),
		blocks:  make(map[chainhash.Hash]*model.Block),
	}
}

func (s *Store) GetHeader(_ context.Context, blockHash *chainhash.Hash) (*model.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.headers[*blockHash]
	if !ok {
		return nil, errors.NewNotFoundError("header %s not found", blockHash)
	}

	return header, nil
}

func (s *Store) GetBlock(_ context.Context, blockHash *chainhash.Hash) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, ok := s.blocks[*blockHash]
	if !ok {
		return nil, errors.NewBlockNotFoundError("block %s not found", blockHash)
	}

	return block, nil
}

func (s *Store) PutBlock(_ context.Context, block *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := *block.Hash()
	s.headers[hash] = block.Header
	s.blocks[hash] = block

	return nil
}

func (s *Store) GetTip(_ context.Context) (*model.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tip == nil {
		return nil, errors.NewNotFoundError("chain tip not set")
	}

	return s.tip, nil
}

func (s *Store) BeginSwitch(_ context.Context) (chain.SwitchBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.switchOpen {
		return nil, errors.NewStorageError("switch already in progress")
	}
	s.switchOpen = true

	return &switchBatch{store: s}, nil
}

func (s *Store) GetCellSetDiff(_ context.Context, fromHeight, toHeight uint64) (*chain.CellSetDiff, error) {
	if fromHeight > toHeight {
		return nil, errors.NewInvalidArgumentError("empty cell set diff range %d..%d", fromHeight, toHeight)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tip == nil || s.tip.Height < toHeight {
		return nil, errors.NewNotFoundError("cell set diff range %d..%d reaches past the tip", fromHeight, toHeight)
	}

	// Walk the canonical chain down from the tip; only blocks reachable from
	// the tip row count, forks at the same heights do not.
	blocks := make([]*model.Block, 0, toHeight-fromHeight+1)

	for header := s.tip; ; {
		if header.Height <= toHeight {
			block, ok := s.blocks[*header.Hash()]
			if !ok {
				return nil, errors.NewNotFoundError("missing canonical body %s at height %d", header.Hash(), header.Height)
			}
			blocks = append(blocks, block)
		}

		if header.Height == fromHeight || header.Height == 0 {
			break
		}

		parent, ok := s.headers[*header.ParentHash]
		if !ok {
			return nil, errors.NewNotFoundError("broken chain below %s", header.Hash())
		}
		header = parent
	}

	// blocks is tip-first; the diff wants ascending heights.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}

	return chain.NewCellSetDiff(fromHeight, toHeight, blocks), nil
}

func (s *Store) Close() error {
	return nil
}

// switchBatch buffers all mutations and applies them under the store lock on
// Commit, so readers see the old or the new state, never a mixture.
type switchBatch struct {
	store    *Store
	attached []*model.Block
	detached []*model.Block
	newTip   *model.BlockHeader
	done     bool
}

func (b *switchBatch) Detach(block *model.Block) error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}
	b.detached = append(b.detached, block)

	return nil
}

func (b *switchBatch) Attach(block *model.Block) error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}
	b.attached = append(b.attached, block)

	return nil
}

func (b *switchBatch) SetTip(header *model.BlockHeader) error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}
	b.newTip = header

	return nil
}

func (b *switchBatch) Commit() error {
	if b.done {
		return errors.NewStorageError("switch batch already closed")
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	for _, block := range b.attached {
		hash := *block.Hash()
		b.store.headers[hash] = block.Header
		b.store.blocks[hash] = block
	}

	// Detached blocks stay stored; they are simply no longer on the
	// canonical branch.
	if b.newTip != nil {
		b.store.tip = b.newTip
	}

	b.store.switchOpen = false
	b.done = true

	return nil
}

func (b *switchBatch) Abort() error {
	if b.done {
		return nil
	}

	b.store.mu.Lock()
	b.store.switchOpen = false
	b.store.mu.Unlock()
	b.done = true

	return nil
}
