package memory

import (
	"context"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
)

func TestPutAndGetBlock(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()

	_, err := store.GetBlock(ctx, genesis.Hash())
	require.True(t, errors.Is(err, errors.ErrBlockNotFound))

	require.NoError(t, store.PutBlock(ctx, genesis))

	block, err := store.GetBlock(ctx, genesis.Hash())
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), block.Hash())

	header, err := store.GetHeader(ctx, genesis.Hash())
	require.NoError(t, err)
	assert.Equal(t, genesis.Header.Hash(), header.Hash())
}

func TestTipUnsetUntilSwitchCommits(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()
	require.NoError(t, store.PutBlock(ctx, genesis))

	_, err := store.GetTip(ctx)
	require.True(t, errors.Is(err, errors.ErrNotFound))

	batch, err := store.BeginSwitch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.SetTip(genesis.Header))

	// Not visible until commit.
	_, err = store.GetTip(ctx)
	require.Error(t, err)

	require.NoError(t, batch.Commit())

	tip, err := store.GetTip(ctx)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), tip.Hash())
}

func TestAbortDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()

	batch, err := store.BeginSwitch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Attach(genesis))
	require.NoError(t, batch.SetTip(genesis.Header))
	require.NoError(t, batch.Abort())

	_, err = store.GetBlock(ctx, genesis.Hash())
	require.Error(t, err)

	_, err = store.GetTip(ctx)
	require.Error(t, err)

	// The store accepts a new switch after an abort.
	batch, err = store.BeginSwitch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Commit())
}

func TestOnlyOneSwitchAtATime(t *testing.T) {
	ctx := context.Background()
	store := New()

	batch, err := store.BeginSwitch(ctx)
	require.NoError(t, err)

	_, err = store.BeginSwitch(ctx)
	require.True(t, errors.Is(err, errors.ErrStorageError))

	require.NoError(t, batch.Commit())
}

// childBlock builds an unmined block on top of parent; the store does not
// check proof of work, so zeroed roots are fine here.
func childBlock(parent *model.BlockHeader, txs ...*model.Transaction) *model.Block {
	var zero chainhash.Hash

	header := &model.BlockHeader{
		Version:          1,
		ParentHash:       parent.Hash(),
		Height:           parent.Height + 1,
		Timestamp:        parent.Timestamp + 1000,
		CompactTarget:    parent.CompactTarget,
		TransactionsRoot: &zero,
		ProposalsRoot:    &zero,
		UnclesHash:       &zero,
		Epoch:            parent.Epoch,
	}

	all := append([]*model.Transaction{model.NewCellbase(header.Height, 1000, chainhash.Hash{})}, txs...)

	return model.NewBlock(header, all, nil, nil)
}

func setTip(t *testing.T, store *Store, header *model.BlockHeader) {
	t.Helper()

	batch, err := store.BeginSwitch(context.Background())
	require.NoError(t, err)
	require.NoError(t, batch.SetTip(header))
	require.NoError(t, batch.Commit())
}

func TestGetCellSetDiff(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()
	require.NoError(t, store.PutBlock(ctx, genesis))

	b1 := childBlock(genesis.Header)

	spend := &model.Transaction{
		Inputs: []*model.CellInput{
			{PreviousOutput: model.OutPoint{TxHash: *b1.Transactions[0].Hash(), Index: 0}},
		},
		Outputs: []*model.CellOutput{{Capacity: 900}},
	}
	b2 := childBlock(b1.Header, spend)

	require.NoError(t, store.PutBlock(ctx, b1))
	require.NoError(t, store.PutBlock(ctx, b2))
	setTip(t, store, b2.Header)

	// Over the whole range the spend of b1's cellbase cancels out: only the
	// cells still live at the top remain.
	diff, err := store.GetCellSetDiff(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), diff.FromHeight)
	assert.Equal(t, uint64(2), diff.ToHeight)
	assert.Empty(t, diff.Spent)
	require.Len(t, diff.Created, 2)

	// A range starting above the creation height reports the spend.
	diff, err = store.GetCellSetDiff(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, diff.Spent, 1)
	assert.Equal(t, *b1.Transactions[0].Hash(), diff.Spent[0].TxHash)
	require.Len(t, diff.Created, 2)

	for _, cell := range diff.Created {
		assert.Equal(t, uint64(2), cell.Height)
	}
}

func TestGetCellSetDiffRangeChecks(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()
	require.NoError(t, store.PutBlock(ctx, genesis))
	setTip(t, store, genesis.Header)

	_, err := store.GetCellSetDiff(ctx, 2, 1)
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = store.GetCellSetDiff(ctx, 0, 5)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestClosedBatchRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	store := New()

	genesis := chaincfg.RegressionParams.GenesisBlock()

	batch, err := store.BeginSwitch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Commit())

	require.Error(t, batch.Attach(genesis))
	require.Error(t, batch.SetTip(genesis.Header))
	require.Error(t, batch.Commit())
}
