// Package blockvalidation runs the staged verification pipeline: structural
// checks, header checks, contextual consensus rules and the commitment rules
// of the two-step commit. Cheap checks run first so malformed blocks are
// rejected before any expensive work.
package blockvalidation

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

type Validator struct {
	logger   ulogger.Logger
	settings *settings.Settings
	params   *chaincfg.Params
	chain    *chain.Chain
	scripts  ScriptVerifier
}

func New(logger ulogger.Logger, tSettings *settings.Settings, c *chain.Chain, scripts ScriptVerifier) *Validator {
	initPrometheusMetrics()

	if scripts == nil {
		scripts = NewLockHashVerifier()
	}

	return &Validator{
		logger:   logger.New("blockval"),
		settings: tSettings,
		params:   tSettings.ChainCfgParams,
		chain:    c,
		scripts:  scripts,
	}
}

// ValidateBlock runs the whole pipeline. On success the caller hands the
// block to the chain for fork choice; on a consensus error the block node is
// marked invalid, poisoning descendants.
func (v *Validator) ValidateBlock(ctx context.Context, block *model.Block) error {
	start := time.Now()

	err := v.validateBlock(ctx, block)

	if err != nil {
		if errors.CodeOf(err).IsConsensusViolation() || errors.Is(err, errors.ErrBlockInvalid) {
			v.chain.Tree().SetStatus(block.Hash(), chain.StatusInvalid)
			prometheusValidationRejected.Inc()
		}
		return err
	}

	prometheusValidationDuration.Observe(time.Since(start).Seconds())

	return nil
}

func (v *Validator) validateBlock(ctx context.Context, block *model.Block) error {
	if err := v.ValidateStructure(block); err != nil {
		return err
	}

	tree := v.chain.Tree()

	parent := tree.Get(block.Header.ParentHash)
	if parent == nil {
		return errors.NewUnknownAncestorError("parent %s of block %s is unknown", block.Header.ParentHash, block.Hash())
	}
	if parent.Status == chain.StatusInvalid {
		return errors.NewBlockInvalidError("parent %s of block %s is invalid", parent.Hash(), block.Hash())
	}
	if parent.Status != chain.StatusVerified {
		return errors.NewProcessingError("parent %s of block %s is not verified yet", parent.Hash(), block.Hash())
	}

	if err := v.CheckHeader(block.Header, parent); err != nil {
		return err
	}

	if err := v.checkUncles(block, parent); err != nil {
		return err
	}

	if err := v.checkCellbase(block); err != nil {
		return err
	}

	if err := v.checkProposalWindow(ctx, block, parent); err != nil {
		return err
	}

	if err := v.checkCommitment(ctx, block, parent); err != nil {
		return err
	}

	return nil
}

// ValidateStructure runs every check that needs no chain context.
func (v *Validator) ValidateStructure(block *model.Block) error {
	if len(block.Transactions) == 0 {
		return errors.NewBlockMalformedError("block %s has no transactions", block.Hash())
	}

	if size := block.SerializeSize(); size > v.params.MaxBlockBytes {
		return errors.NewBlockMalformedError("block %s size %d exceeds limit %d", block.Hash(), size, v.params.MaxBlockBytes)
	}

	if !block.Transactions[0].IsCellbase() {
		return errors.NewCellbaseInvalidError("first transaction of block %s is not a cellbase", block.Hash())
	}
	for _, tx := range block.Transactions[1:] {
		if tx.IsCellbase() {
			return errors.NewCellbaseInvalidError("block %s has more than one cellbase", block.Hash())
		}
		if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
			return errors.NewBlockMalformedError("tx %s in block %s has no inputs or outputs", tx.Hash(), block.Hash())
		}
	}

	seen := make(map[[32]byte]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		if _, dup := seen[*tx.Hash()]; dup {
			return errors.NewBlockMalformedError("block %s contains duplicate tx %s", block.Hash(), tx.Hash())
		}
		seen[*tx.Hash()] = struct{}{}
	}

	if len(block.Proposals) > v.params.MaxBlockProposals {
		return errors.NewBlockMalformedError("block %s carries %d proposals, limit %d", block.Hash(), len(block.Proposals), v.params.MaxBlockProposals)
	}

	seenProposals := make(map[model.ProposalShortID]struct{}, len(block.Proposals))
	for _, id := range block.Proposals {
		if _, dup := seenProposals[id]; dup {
			return errors.NewBlockMalformedError("block %s proposes %s twice", block.Hash(), id)
		}
		seenProposals[id] = struct{}{}
	}

	if *block.CalcTransactionsRoot() != *block.Header.TransactionsRoot {
		return errors.NewBlockMalformedError("block %s transactions root mismatch", block.Hash())
	}
	if *block.CalcProposalsRoot() != *block.Header.ProposalsRoot {
		return errors.NewBlockMalformedError("block %s proposals root mismatch", block.Hash())
	}
	if *block.CalcUnclesHash() != *block.Header.UnclesHash {
		return errors.NewBlockMalformedError("block %s uncles hash mismatch", block.Hash())
	}

	return nil
}

// CheckHeader verifies a header against its parent: proof of work, height,
// timestamp bounds, epoch progression and difficulty. The sync path runs this
// on bare headers before any body is downloaded.
func (v *Validator) CheckHeader(header *model.BlockHeader, parent *chain.BlockNode) error {
	if !header.ValidPow() {
		return errors.NewPowInvalidError("header %s fails proof of work", header.Hash())
	}

	if header.Height != parent.Height()+1 {
		return errors.NewBlockMalformedError("header %s height %d does not follow parent height %d",
			header.Hash(), header.Height, parent.Height())
	}

	median := v.chain.MedianTimePast(parent)
	if header.Timestamp <= median {
		return errors.NewTimestampOutOfRangeError("header %s timestamp %d not after median time %d",
			header.Hash(), header.Timestamp, median)
	}

	maxFuture := uint64(time.Now().Add(v.params.MaxFutureBlockTime).UnixMilli())
	if header.Timestamp > maxFuture {
		return errors.NewTimestampOutOfRangeError("header %s timestamp %d too far in the future",
			header.Hash(), header.Timestamp)
	}

	wantEpoch := v.NextEpoch(parent)
	if header.Epoch != wantEpoch {
		return errors.NewEpochMismatchError("header %s epoch %s, want %s", header.Hash(), header.Epoch, wantEpoch)
	}

	wantTarget := v.NextCompactTarget(parent)
	if header.CompactTarget != wantTarget {
		return errors.NewPowInvalidError("header %s compact target %08x, want %08x",
			header.Hash(), header.CompactTarget, wantTarget)
	}

	return nil
}

// NextEpoch derives the epoch field a child of parent must carry.
func (v *Validator) NextEpoch(parent *chain.BlockNode) model.Epoch {
	e := parent.Header.Epoch
	if e.IsLast() {
		return e.Next(v.params.EpochLength)
	}

	return model.NewEpoch(e.Number(), e.Index()+1, e.Length())
}

// NextCompactTarget returns the difficulty a child of parent must use. The
// target holds steady inside an epoch; at an epoch boundary it is rescaled by
// how fast the closing epoch ran against schedule, clamped to a factor of two
// each way and floored at the pow limit.
func (v *Validator) NextCompactTarget(parent *chain.BlockNode) uint32 {
	if !parent.Header.Epoch.IsLast() {
		return parent.Header.CompactTarget
	}

	epochStart := parent.Ancestor(parent.Height() - uint64(parent.Header.Epoch.Index()))
	if epochStart == nil || epochStart.Header.Timestamp >= parent.Header.Timestamp {
		return parent.Header.CompactTarget
	}

	actual := parent.Header.Timestamp - epochStart.Header.Timestamp
	expected := uint64(parent.Header.Epoch.Length()) * uint64(v.params.TargetBlockTime.Milliseconds())

	if actual < expected/2 {
		actual = expected / 2
	}
	if actual > expected*2 {
		actual = expected * 2
	}

	oldTarget := model.CompactToBig(parent.Header.CompactTarget)
	newTarget := new(big.Int).Mul(oldTarget, new(big.Int).SetUint64(actual))
	newTarget.Div(newTarget, new(big.Int).SetUint64(expected))

	if newTarget.Cmp(v.params.PowLimit) > 0 {
		return v.params.PowLimitBits
	}

	return model.BigToCompact(newTarget)
}

func (v *Validator) checkUncles(block *model.Block, parent *chain.BlockNode) error {
	if len(block.Uncles) > v.params.MaxUnclesNum {
		return errors.NewUncleInvalidError("block %s carries %d uncles, limit %d",
			block.Hash(), len(block.Uncles), v.params.MaxUnclesNum)
	}

	tree := v.chain.Tree()

	seen := make(map[[32]byte]struct{}, len(block.Uncles))

	for _, uncle := range block.Uncles {
		uncleHash := uncle.Hash()

		if _, dup := seen[*uncleHash]; dup {
			return errors.NewUncleInvalidError("block %s includes uncle %s twice", block.Hash(), uncleHash)
		}
		seen[*uncleHash] = struct{}{}

		if !uncle.Header.ValidPow() {
			return errors.NewUncleInvalidError("uncle %s fails proof of work", uncleHash)
		}

		if uncle.Header.Height >= block.Height() {
			return errors.NewUncleInvalidError("uncle %s height %d not below block height %d",
				uncleHash, uncle.Header.Height, block.Height())
		}

		depth := block.Height() - uncle.Header.Height
		if depth > v.params.MaxUncleDepth {
			return errors.NewUncleInvalidError("uncle %s depth %d exceeds limit %d", uncleHash, depth, v.params.MaxUncleDepth)
		}

		if uncle.Header.Epoch.Number() != block.Header.Epoch.Number() {
			return errors.NewUncleInvalidError("uncle %s epoch %d differs from block epoch %d",
				uncleHash, uncle.Header.Epoch.Number(), block.Header.Epoch.Number())
		}

		// An uncle must be a fork block: its parent known, itself not an
		// ancestor of the including block.
		if !tree.Has(uncle.Header.ParentHash) {
			return errors.NewUncleInvalidError("uncle %s has unknown parent %s", uncleHash, uncle.Header.ParentHash)
		}

		if ancestor := parent.Ancestor(uncle.Header.Height); ancestor != nil && *ancestor.Hash() == *uncleHash {
			return errors.NewUncleInvalidError("uncle %s is an ancestor of block %s", uncleHash, block.Hash())
		}
	}

	return nil
}

func (v *Validator) checkCellbase(block *model.Block) error {
	cellbase := block.Cellbase()
	if cellbase == nil {
		return errors.NewCellbaseInvalidError("block %s has no cellbase", block.Hash())
	}

	if cellbase.Inputs[0].Since != block.Height() {
		return errors.NewCellbaseInvalidError("cellbase of block %s commits to height %d, want %d",
			block.Hash(), cellbase.Inputs[0].Since, block.Height())
	}

	var total uint64
	for _, out := range cellbase.Outputs {
		total += out.Capacity
	}

	if total > v.params.InitialReward {
		return errors.NewCellbaseInvalidError("cellbase of block %s claims %d, reward is %d",
			block.Hash(), total, v.params.InitialReward)
	}

	return nil
}

// checkProposalWindow verifies every committed transaction was proposed in
// the block's own branch within the proposal window.
func (v *Validator) checkProposalWindow(ctx context.Context, block *model.Block, parent *chain.BlockNode) error {
	if len(block.Transactions) <= 1 {
		return nil
	}

	window := v.params.ProposalWindow
	height := block.Height()

	if height <= window.Closest {
		return errors.NewProposalWindowViolationError("block %s at height %d cannot commit transactions yet",
			block.Hash(), height)
	}

	// On the tip path the proposal table already holds the window; only
	// side-chain candidates need the ancestor walk.
	var proposed map[model.ProposalShortID]struct{}
	if parent == v.chain.Tip() {
		proposed = v.chain.Proposals().CommittableAt(height)
	} else {
		var err error
		if proposed, err = v.collectBranchProposals(ctx, parent, height); err != nil {
			return err
		}
	}

	for _, tx := range block.Transactions[1:] {
		if _, ok := proposed[tx.ProposalID()]; !ok {
			return errors.NewProposalWindowViolationError("tx %s committed in block %s without a proposal in the window",
				tx.Hash(), block.Hash())
		}
	}

	return nil
}

// collectBranchProposals unions the proposal IDs visible in the window of a
// block at the given height on the branch ending at parent. Ancestor bodies
// come from the store; they are always present because parents verify first.
func (v *Validator) collectBranchProposals(ctx context.Context, parent *chain.BlockNode, height uint64) (map[model.ProposalShortID]struct{}, error) {
	window := v.params.ProposalWindow

	start := uint64(0)
	if height > window.Farthest {
		start = height - window.Farthest
	}
	end := height - window.Closest

	proposed := make(map[model.ProposalShortID]struct{})

	for node := parent; node != nil && node.Height() >= start; node = node.Parent {
		if node.Height() > end {
			continue
		}

		b, err := v.chain.GetBlock(ctx, node.Hash())
		if err != nil {
			return nil, errors.NewProcessingError("missing ancestor body %s for proposal window", node.Hash(), err)
		}

		for _, id := range b.Proposals {
			proposed[id] = struct{}{}
		}
		for _, uncle := range b.Uncles {
			for _, id := range uncle.Proposals {
				proposed[id] = struct{}{}
			}
		}

		if node.Height() == 0 {
			break
		}
	}

	return proposed, nil
}

// checkCommitment enforces the spend rules inside the block: unique inputs,
// and — when the block builds on the active tip — live inputs, cellbase
// maturity and passing scripts against the resolved cells.
func (v *Validator) checkCommitment(ctx context.Context, block *model.Block, parent *chain.BlockNode) error {
	spent := make(map[model.OutPoint]struct{})

	for _, tx := range block.Transactions[1:] {
		for _, in := range tx.Inputs {
			if _, dup := spent[in.PreviousOutput]; dup {
				return errors.NewDoubleSpendError("block %s spends cell %s twice", block.Hash(), in.PreviousOutput)
			}
			spent[in.PreviousOutput] = struct{}{}
		}
	}

	// Cell resolution is only meaningful against the active chain state.
	// Side-chain blocks get their cell check when a reorg attaches them.
	onTip := parent == v.chain.Tip()

	cells := v.chain.Cells()
	inBlock := make(map[model.OutPoint]*chain.CellMeta)

	var totalCycles atomic.Uint64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(v.settings.BlockValidation.MaxVerifyConcurrency)

	for _, tx := range block.Transactions {
		txHash := tx.Hash()
		for i := range tx.Outputs {
			inBlock[model.OutPoint{TxHash: *txHash, Index: uint32(i)}] = &chain.CellMeta{
				Output:        tx.Outputs[i],
				CreatedHeight: block.Height(),
				IsCellbase:    tx.IsCellbase(),
			}
		}
	}

	for _, tx := range block.Transactions[1:] {
		inputs := make([]*chain.CellMeta, len(tx.Inputs))

		for i, in := range tx.Inputs {
			if meta, ok := inBlock[in.PreviousOutput]; ok {
				inputs[i] = meta
				continue
			}

			if !onTip {
				continue
			}

			meta, ok := cells.Get(in.PreviousOutput)
			if !ok {
				return errors.NewDoubleSpendError("tx %s in block %s spends dead cell %s",
					tx.Hash(), block.Hash(), in.PreviousOutput)
			}

			if meta.IsCellbase && block.Height()-meta.CreatedHeight < v.params.CellbaseMaturity {
				return errors.NewCellbaseInvalidError("tx %s spends immature cellbase cell %s",
					tx.Hash(), in.PreviousOutput)
			}

			inputs[i] = &meta
		}

		tx := tx
		g.Go(func() error {
			cycles, err := v.scripts.VerifyScripts(gCtx, tx, inputs)
			if err != nil {
				return err
			}

			totalCycles.Add(cycles)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if totalCycles.Load() > v.params.MaxBlockCycles {
		return errors.NewResourceExhaustedError("block %s uses %d cycles, limit %d",
			block.Hash(), totalCycles.Load(), v.params.MaxBlockCycles)
	}

	return nil
}
