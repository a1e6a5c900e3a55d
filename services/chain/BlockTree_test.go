package chain

import (
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/model"
)

func headerOn(parent *model.BlockHeader, nonce uint64) *model.BlockHeader {
	zero := chainhash.Hash{}

	return &model.BlockHeader{
		ParentHash:       parent.Hash(),
		Height:           parent.Height + 1,
		Timestamp:        parent.Timestamp + 1000,
		CompactTarget:    parent.CompactTarget,
		Nonce:            nonce,
		TransactionsRoot: &zero,
		ProposalsRoot:    &zero,
		UnclesHash:       &zero,
		Epoch:            parent.Epoch,
	}
}

func newTestTree(t *testing.T) (*BlockTree, *model.BlockHeader) {
	t.Helper()

	genesis := chaincfg.RegressionParams.GenesisBlock().Header

	return NewBlockTree(genesis), genesis
}

func TestAddHeaderConnectsAndAccumulatesWork(t *testing.T) {
	tree, genesis := newTestTree(t)

	h1 := headerOn(genesis, 1)
	n1 := tree.AddHeader(h1)
	require.NotNil(t, n1)

	assert.Equal(t, StatusHeaderOnly, n1.Status)
	assert.Equal(t, tree.Get(genesis.Hash()), n1.Parent)
	assert.Equal(t, 1, n1.CumulativeWork.Cmp(n1.Parent.CumulativeWork))

	// Same header again returns the existing node.
	assert.Same(t, n1, tree.AddHeader(h1))

	// Unknown parent does not connect.
	orphanParent := headerOn(h1, 99)
	orphan := headerOn(orphanParent, 100)
	assert.Nil(t, tree.AddHeader(orphan))
}

func TestSetStatusInvalidPoisonsDescendants(t *testing.T) {
	tree, genesis := newTestTree(t)

	h1 := headerOn(genesis, 1)
	h2 := headerOn(h1, 2)
	h3 := headerOn(h2, 3)

	tree.AddHeader(h1)
	tree.AddHeader(h2)
	n3 := tree.AddHeader(h3)

	tree.SetStatus(h1.Hash(), StatusInvalid)

	assert.Equal(t, StatusInvalid, tree.Get(h2.Hash()).Status)
	assert.Equal(t, StatusInvalid, n3.Status)

	// A new child of a poisoned node is born invalid.
	h4 := headerOn(h3, 4)
	assert.Equal(t, StatusInvalid, tree.AddHeader(h4).Status)
}

func TestVerifiedSequenceOrdersByVerificationTime(t *testing.T) {
	tree, genesis := newTestTree(t)

	h1 := headerOn(genesis, 1)
	h2 := headerOn(genesis, 2)

	tree.AddHeader(h1)
	tree.AddHeader(h2)

	tree.SetStatus(h2.Hash(), StatusVerified)
	tree.SetStatus(h1.Hash(), StatusVerified)

	assert.Less(t, tree.Get(h2.Hash()).Sequence, tree.Get(h1.Hash()).Sequence)
}

func TestCommonAncestorAndPath(t *testing.T) {
	tree, genesis := newTestTree(t)

	// genesis -> a1 -> a2
	//        \-> b1 -> b2 -> b3
	a1 := headerOn(genesis, 1)
	a2 := headerOn(a1, 2)
	b1 := headerOn(genesis, 10)
	b2 := headerOn(b1, 11)
	b3 := headerOn(b2, 12)

	na1 := tree.AddHeader(a1)
	na2 := tree.AddHeader(a2)
	nb1 := tree.AddHeader(b1)
	nb2 := tree.AddHeader(b2)
	nb3 := tree.AddHeader(b3)

	root := tree.Get(genesis.Hash())

	assert.Same(t, root, CommonAncestor(na2, nb3))
	assert.Same(t, na1, CommonAncestor(na1, na2))

	path := PathBetween(root, nb3)
	require.Len(t, path, 3)
	assert.Same(t, nb1, path[0])
	assert.Same(t, nb2, path[1])
	assert.Same(t, nb3, path[2])

	assert.Empty(t, PathBetween(na2, na2))
}

func TestAncestorWalk(t *testing.T) {
	tree, genesis := newTestTree(t)

	h1 := headerOn(genesis, 1)
	h2 := headerOn(h1, 2)

	tree.AddHeader(h1)
	n2 := tree.AddHeader(h2)

	assert.Equal(t, tree.Get(genesis.Hash()), n2.Ancestor(0))
	assert.Equal(t, tree.Get(h1.Hash()), n2.Ancestor(1))
	assert.Same(t, n2, n2.Ancestor(2))
	assert.Nil(t, n2.Ancestor(3))
}
