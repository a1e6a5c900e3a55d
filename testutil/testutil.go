// Package testutil builds valid chains for tests: it mines blocks with the
// same epoch and difficulty derivations the validator enforces, so fixtures
// never drift from the consensus rules.
package testutil

import (
	"context"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/blockvalidation"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// TestLockHash is the lock used by mined cellbases; anything non-zero passes
// the built-in verifier.
var TestLockHash = chainhash.Hash{0x01, 0x02, 0x03}

// Harness bundles a chain and its validator over a fresh in-memory store.
type Harness struct {
	Settings  *settings.Settings
	Chain     *chain.Chain
	Validator *blockvalidation.Validator
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	tSettings := settings.NewTestSettings()
	logger := ulogger.NewErrorTestLogger(t)

	c, err := chain.New(context.Background(), logger, tSettings)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return &Harness{
		Settings:  tSettings,
		Chain:     c,
		Validator: blockvalidation.New(logger, tSettings, c, nil),
	}
}

// BlockOpt tweaks a block under construction before it is mined.
type BlockOpt func(*blockSpec)

type blockSpec struct {
	txs       []*model.Transaction
	proposals []model.ProposalShortID
	uncles    []*model.UncleBlock
	timestamp uint64
}

func WithTransactions(txs ...*model.Transaction) BlockOpt {
	return func(s *blockSpec) { s.txs = txs }
}

func WithProposals(ids ...model.ProposalShortID) BlockOpt {
	return func(s *blockSpec) { s.proposals = ids }
}

func WithUncles(uncles ...*model.UncleBlock) BlockOpt {
	return func(s *blockSpec) { s.uncles = uncles }
}

func WithTimestamp(ts uint64) BlockOpt {
	return func(s *blockSpec) { s.timestamp = ts }
}

// MineBlock builds and mines a valid block on the given parent node. It does
// not import the block.
func (h *Harness) MineBlock(t *testing.T, parent *chain.BlockNode, opts ...BlockOpt) *model.Block {
	t.Helper()

	params := h.Chain.Params()

	spec := &blockSpec{}
	for _, opt := range opts {
		opt(spec)
	}

	height := parent.Height() + 1

	timestamp := spec.timestamp
	if timestamp == 0 {
		timestamp = parent.Header.Timestamp + uint64(params.TargetBlockTime.Milliseconds())
	}

	cellbase := model.NewCellbase(height, params.InitialReward, TestLockHash)
	txs := append([]*model.Transaction{cellbase}, spec.txs...)

	header := &model.BlockHeader{
		Version:       0,
		ParentHash:    parent.Hash(),
		Height:        height,
		Timestamp:     timestamp,
		CompactTarget: h.Validator.NextCompactTarget(parent),
		Epoch:         h.Validator.NextEpoch(parent),
	}

	block := model.NewBlock(header, txs, spec.proposals, spec.uncles)
	header.TransactionsRoot = block.CalcTransactionsRoot()
	header.ProposalsRoot = block.CalcProposalsRoot()
	header.UnclesHash = block.CalcUnclesHash()

	for !header.ValidPow() {
		header.Nonce++
	}

	return block
}

// ImportBlock pushes a block through validation and fork choice.
func (h *Harness) ImportBlock(t *testing.T, block *model.Block) error {
	t.Helper()

	if h.Chain.Tree().Get(block.Hash()) == nil {
		node := h.Chain.Tree().AddHeader(block.Header)
		require.NotNil(t, node, "block %s does not connect", block.Hash())
	}

	if err := h.Validator.ValidateBlock(context.Background(), block); err != nil {
		return err
	}

	return h.Chain.ProcessVerifiedBlock(context.Background(), block)
}

// ExtendChain mines and imports n blocks on the current tip, returning them
// in order.
func (h *Harness) ExtendChain(t *testing.T, n int) []*model.Block {
	t.Helper()

	blocks := make([]*model.Block, 0, n)

	for i := 0; i < n; i++ {
		block := h.MineBlock(t, h.Chain.Tip())
		require.NoError(t, h.ImportBlock(t, block))
		blocks = append(blocks, block)
	}

	return blocks
}

// SpendTx builds a transaction spending one output of a previous transaction.
func SpendTx(prev *model.Transaction, index uint32, capacity uint64) *model.Transaction {
	return &model.Transaction{
		Version: 0,
		Inputs: []*model.CellInput{
			{PreviousOutput: model.OutPoint{TxHash: *prev.Hash(), Index: index}},
		},
		Outputs: []*model.CellOutput{
			{Capacity: capacity, LockHash: TestLockHash},
		},
	}
}
