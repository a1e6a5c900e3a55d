package chain

import (
	"sync"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/model"
)

// ProposalTable tracks which transaction short IDs were proposed at each
// height of the active chain, so committed transactions can be checked
// against the proposal window of the two-step commit rule.
//
// A transaction committed in the block at height H must have been proposed in
// a main-chain block (or one of its uncles) at some height in
// [H - farthest, H - closest], both ends inclusive.
type ProposalTable struct {
	mu     sync.RWMutex
	window chaincfg.ProposalWindow

	// byHeight holds the proposal IDs of each active-chain block, including
	// those carried by its uncles.
	byHeight map[uint64]map[model.ProposalShortID]struct{}
}

func NewProposalTable(window chaincfg.ProposalWindow) *ProposalTable {
	return &ProposalTable{
		window:   window,
		byHeight: make(map[uint64]map[model.ProposalShortID]struct{}),
	}
}

// RecordBlock registers the proposals of a block that joined the active
// chain, folding in the proposals of its uncles.
func (pt *ProposalTable) RecordBlock(block *model.Block) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	ids := make(map[model.ProposalShortID]struct{}, len(block.Proposals))
	for _, id := range block.Proposals {
		ids[id] = struct{}{}
	}
	for _, uncle := range block.Uncles {
		for _, id := range uncle.Proposals {
			ids[id] = struct{}{}
		}
	}

	pt.byHeight[block.Height()] = ids
}

// RemoveBlock drops the proposals of a detached block.
func (pt *ProposalTable) RemoveBlock(height uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.byHeight, height)
}

// CommittableAt returns the union of proposal IDs visible from the proposal
// window of a block at the given height.
func (pt *ProposalTable) CommittableAt(height uint64) map[model.ProposalShortID]struct{} {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make(map[model.ProposalShortID]struct{})

	if height <= pt.window.Closest {
		return out
	}

	start := uint64(0)
	if height > pt.window.Farthest {
		start = height - pt.window.Farthest
	}
	end := height - pt.window.Closest

	for h := start; h <= end; h++ {
		for id := range pt.byHeight[h] {
			out[id] = struct{}{}
		}
	}

	return out
}

// IsCommittable reports whether the short ID was proposed within the window
// of a block at the given height.
func (pt *ProposalTable) IsCommittable(height uint64, id model.ProposalShortID) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if height <= pt.window.Closest {
		return false
	}

	start := uint64(0)
	if height > pt.window.Farthest {
		start = height - pt.window.Farthest
	}

	for h := start; h <= height-pt.window.Closest; h++ {
		if _, ok := pt.byHeight[h][id]; ok {
			return true
		}
	}

	return false
}

// Has reports whether proposals are recorded for the height.
func (pt *ProposalTable) Has(height uint64) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	_, ok := pt.byHeight[height]
	return ok
}

// Prune drops proposal records too old to fall inside any future window.
func (pt *ProposalTable) Prune(tipHeight uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if tipHeight <= pt.window.Farthest {
		return
	}

	cutoff := tipHeight - pt.window.Farthest
	for h := range pt.byHeight {
		if h < cutoff {
			delete(pt.byHeight, h)
		}
	}
}
