package txpool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/services/txpool"
	"github.com/chanhsu001/ckb/testutil"
	"github.com/chanhsu001/ckb/ulogger"
)

func newPool(t *testing.T) (*testutil.Harness, *txpool.MemoryPool) {
	t.Helper()

	h := testutil.NewHarness(t)

	return h, txpool.New(ulogger.NewErrorTestLogger(t), h.Settings, h.Chain)
}

func TestSubmitAndLookup(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 1)

	tx := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)
	require.NoError(t, pool.SubmitTransaction(context.Background(), tx))
	assert.Equal(t, 1, pool.Count())

	got, ok := pool.GetTransaction(tx.Hash())
	require.True(t, ok)
	assert.Equal(t, tx.Hash(), got.Hash())

	got, ok = pool.GetByProposalID(tx.ProposalID())
	require.True(t, ok)
	assert.Equal(t, tx.Hash(), got.Hash())

	ids := pool.ProposalCandidates(0)
	require.Len(t, ids, 1)
	assert.Equal(t, tx.ProposalID(), ids[0])
}

func TestProposalCandidatesKeepAdmissionOrder(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 3)

	var want []model.ProposalShortID
	for _, block := range blocks {
		tx := testutil.SpendTx(block.Transactions[0], 0, 500)
		require.NoError(t, pool.SubmitTransaction(context.Background(), tx))
		want = append(want, tx.ProposalID())
	}

	assert.Equal(t, want, pool.ProposalCandidates(0))
	assert.Equal(t, want[:2], pool.ProposalCandidates(2))

	// Removing the oldest moves the rest up without reshuffling.
	pool.NotifyNewTip(context.Background(), &chain.Notification{
		AttachedBlocks: []*model.Block{
			model.NewBlock(blocks[0].Header, []*model.Transaction{
				blocks[0].Transactions[0],
				mustGet(t, pool, want[0]),
			}, nil, nil),
		},
	})

	assert.Equal(t, want[1:], pool.ProposalCandidates(0))
}

func mustGet(t *testing.T, pool *txpool.MemoryPool, id model.ProposalShortID) *model.Transaction {
	t.Helper()

	tx, ok := pool.GetByProposalID(id)
	require.True(t, ok)

	return tx
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 1)

	tx := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)
	require.NoError(t, pool.SubmitTransaction(context.Background(), tx))

	err := pool.SubmitTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTxAlreadyExists))
}

func TestSubmitRejectsUnknownInput(t *testing.T) {
	h, pool := newPool(t)
	_ = h

	tx := &model.Transaction{
		Inputs: []*model.CellInput{
			{PreviousOutput: model.OutPoint{TxHash: [32]byte{0xaa}, Index: 0}},
		},
		Outputs: []*model.CellOutput{{Capacity: 1, LockHash: testutil.TestLockHash}},
	}

	err := pool.SubmitTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTxInvalid))
}

func TestSubmitRejectsCellbase(t *testing.T) {
	_, pool := newPool(t)

	cb := model.NewCellbase(1, 100, testutil.TestLockHash)

	err := pool.SubmitTransaction(context.Background(), cb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTxInvalid))
}

func TestSubmitAcceptsChainedPoolSpend(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 1)

	parent := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)
	require.NoError(t, pool.SubmitTransaction(context.Background(), parent))

	// The child spends an output that only exists in the pool.
	child := testutil.SpendTx(parent, 0, 400)
	require.NoError(t, pool.SubmitTransaction(context.Background(), child))
	assert.Equal(t, 2, pool.Count())
}

func TestNotifyNewTipRemovesCommitted(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 12)

	tx := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)
	require.NoError(t, pool.SubmitTransaction(context.Background(), tx))

	pool.NotifyNewTip(context.Background(), &chain.Notification{
		Type: chain.NotificationTipUpdated,
		AttachedBlocks: []*model.Block{
			{Transactions: []*model.Transaction{tx}},
		},
	})

	assert.Equal(t, 0, pool.Count())
	_, ok := pool.GetTransaction(tx.Hash())
	assert.False(t, ok)
}

func TestNotifyNewTipReadmitsDetached(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 12)

	tx := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)

	pool.NotifyNewTip(context.Background(), &chain.Notification{
		Type:        chain.NotificationReorg,
		DetachedTxs: []*model.Transaction{tx},
	})

	assert.Equal(t, 1, pool.Count())
	_, ok := pool.GetTransaction(tx.Hash())
	assert.True(t, ok)
}

func TestNotifyNewTipEvictsConflicts(t *testing.T) {
	h, pool := newPool(t)
	blocks := h.ExtendChain(t, 12)

	// Two pool transactions chained off the first cellbase.
	parent := testutil.SpendTx(blocks[0].Transactions[0], 0, 500)
	child := testutil.SpendTx(parent, 0, 400)
	require.NoError(t, pool.SubmitTransaction(context.Background(), parent))
	require.NoError(t, pool.SubmitTransaction(context.Background(), child))

	// A block commits a competing spend of the same cellbase: propose it,
	// wait out the window, commit it. The pool pair is now conflicted.
	rival := testutil.SpendTx(blocks[0].Transactions[0], 0, 300)

	proposal := h.MineBlock(t, h.Chain.Tip(), testutil.WithProposals(rival.ProposalID()))
	require.NoError(t, h.ImportBlock(t, proposal))

	gap := h.MineBlock(t, h.Chain.Tip())
	require.NoError(t, h.ImportBlock(t, gap))

	commit := h.MineBlock(t, h.Chain.Tip(), testutil.WithTransactions(rival))
	require.NoError(t, h.ImportBlock(t, commit))

	pool.NotifyNewTip(context.Background(), &chain.Notification{
		Type:           chain.NotificationTipUpdated,
		AttachedBlocks: []*model.Block{commit},
	})

	// Both the direct conflict and its dependent are gone.
	assert.Equal(t, 0, pool.Count())
}
