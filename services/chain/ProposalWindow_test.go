package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/model"
)

func shortID(b byte) model.ProposalShortID {
	var id model.ProposalShortID
	id[0] = b

	return id
}

func proposalBlockAt(height uint64, ids ...model.ProposalShortID) *model.Block {
	b := blockWith(height)
	b.Proposals = ids

	return b
}

func TestWindowMembership(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	id := shortID(1)
	pt.RecordBlock(proposalBlockAt(5, id))

	// Window is [H-10, H-2]: height 7 is the first that can commit a
	// proposal from height 5, height 15 the last.
	assert.False(t, pt.IsCommittable(6, id))
	assert.True(t, pt.IsCommittable(7, id))
	assert.True(t, pt.IsCommittable(15, id))
	assert.False(t, pt.IsCommittable(16, id))
}

func TestWindowBelowClosestCommitsNothing(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	pt.RecordBlock(proposalBlockAt(0, shortID(9)))

	assert.False(t, pt.IsCommittable(1, shortID(9)))
	assert.False(t, pt.IsCommittable(2, shortID(9)))
	assert.Empty(t, pt.CommittableAt(2))
}

func TestUncleProposalsCount(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	uncleID := shortID(7)
	b := proposalBlockAt(4)
	b.Uncles = []*model.UncleBlock{
		{Header: b.Header, Proposals: []model.ProposalShortID{uncleID}},
	}

	pt.RecordBlock(b)

	assert.True(t, pt.IsCommittable(6, uncleID))
}

func TestRemoveBlockDropsProposals(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	id := shortID(3)
	pt.RecordBlock(proposalBlockAt(5, id))
	require.True(t, pt.IsCommittable(7, id))

	pt.RemoveBlock(5)
	assert.False(t, pt.IsCommittable(7, id))
}

func TestPruneKeepsReachableHeights(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	old := shortID(1)
	recent := shortID(2)
	pt.RecordBlock(proposalBlockAt(5, old))
	pt.RecordBlock(proposalBlockAt(95, recent))

	pt.Prune(100)

	assert.False(t, pt.IsCommittable(15, old))
	assert.True(t, pt.IsCommittable(100, recent))

	assert.False(t, pt.Has(5))
	assert.True(t, pt.Has(95))
}

func TestCommittableAtUnionsWindow(t *testing.T) {
	pt := NewProposalTable(chaincfg.ProposalWindow{Closest: 2, Farthest: 10})

	a := shortID(1)
	b := shortID(2)
	pt.RecordBlock(proposalBlockAt(3, a))
	pt.RecordBlock(proposalBlockAt(5, b))

	ids := pt.CommittableAt(7)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, a)
	assert.Contains(t, ids, b)
}
