// Package chain owns the block tree, the active-chain state and fork choice.
// All tip transitions are serialized through a single chain-state mutex; the
// verification pipeline runs outside it and only enters to land a verified
// block.
package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/chaincfg"
	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/settings"
	chainstore "github.com/chanhsu001/ckb/stores/chain"
	_ "github.com/chanhsu001/ckb/stores/chain/memory"
	_ "github.com/chanhsu001/ckb/stores/chain/sql"
	"github.com/chanhsu001/ckb/ulogger"
)

type NotificationType int

const (
	NotificationTipUpdated NotificationType = iota
	NotificationReorg
)

// Notification is delivered to subscribers after a tip transition commits.
type Notification struct {
	Type NotificationType
	Tip  *model.BlockHeader

	// DetachedTxs holds the non-cellbase transactions of blocks that left
	// the active chain in a reorg, for the tx pool to reconsider.
	DetachedTxs []*model.Transaction

	// AttachedBlocks lists the blocks that joined the active chain, fork
	// point first.
	AttachedBlocks []*model.Block
}

type Chain struct {
	logger   ulogger.Logger
	settings *settings.Settings
	params   *chaincfg.Params
	store    chainstore.Store

	tree      *BlockTree
	cells     *CellSet
	proposals *ProposalTable

	// mu is the chain-state mutex. It guards tip, criticalFaults and every
	// tip transition end to end.
	mu             sync.Mutex
	tip            *BlockNode
	criticalFaults int
	halted         bool

	subsMu      sync.Mutex
	subscribers []chan *Notification
}

func New(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings) (*Chain, error) {
	initPrometheusMetrics()

	logger = logger.New("chain")

	store, err := chainstore.NewStore(ctx, logger, tSettings.Chain.StoreURL)
	if err != nil {
		return nil, errors.NewServiceError("failed to open chain store", err)
	}

	c := &Chain{
		logger:    logger,
		settings:  tSettings,
		params:    tSettings.ChainCfgParams,
		store:     store,
		cells:     NewCellSet(),
		proposals: NewProposalTable(tSettings.ChainCfgParams.ProposalWindow),
	}

	if err = c.bootstrap(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return c, nil
}

// bootstrap loads the active chain from the store, writing the genesis block
// first on an empty store.
func (c *Chain) bootstrap(ctx context.Context) error {
	genesis := c.params.GenesisBlock()
	c.tree = NewBlockTree(genesis.Header)

	tipHeader, err := c.store.GetTip(ctx)
	if errors.Is(err, errors.ErrNotFound) {
		return c.writeGenesis(ctx, genesis)
	}
	if err != nil {
		return errors.NewServiceError("failed to load chain tip", err)
	}

	// Walk the stored chain back to genesis, then replay it forward to
	// rebuild the tree, cell set and proposal table.
	var headers []*model.BlockHeader
	for h := tipHeader; *h.Hash() != *genesis.Hash(); {
		headers = append(headers, h)

		h, err = c.store.GetHeader(ctx, h.ParentHash)
		if err != nil {
			return errors.NewServiceError("broken chain in store below %s", headers[len(headers)-1].Hash(), err)
		}
	}

	sort.Slice(headers, func(i, j int) bool { return headers[i].Height < headers[j].Height })

	c.tip = c.tree.Get(genesis.Hash())

	if err = c.cells.ApplyBlock(genesis); err != nil {
		return errors.NewServiceError("failed to apply genesis cells", err)
	}
	c.proposals.RecordBlock(genesis)

	for _, header := range headers {
		node := c.tree.AddHeader(header)
		if node == nil {
			return errors.NewServiceError("stored header %s does not connect", header.Hash())
		}
		c.tree.SetStatus(node.Hash(), StatusVerified)

		block, err := c.store.GetBlock(ctx, header.Hash())
		if err != nil {
			return errors.NewServiceError("missing body for stored block %s", header.Hash(), err)
		}

		if err = c.cells.ApplyBlock(block); err != nil {
			return errors.NewServiceError("stored chain fails cell replay at %s", header.Hash(), err)
		}

		c.proposals.RecordBlock(block)
		c.tip = node
	}

	c.proposals.Prune(c.tip.Height())
	c.logger.Infof("chain loaded: tip %s at height %d", c.tip.Hash(), c.tip.Height())

	return nil
}

func (c *Chain) writeGenesis(ctx context.Context, genesis *model.Block) error {
	if err := c.store.PutBlock(ctx, genesis); err != nil {
		return errors.NewServiceError("failed to store genesis block", err)
	}

	batch, err := c.store.BeginSwitch(ctx)
	if err != nil {
		return errors.NewServiceError("failed to initialise chain tip", err)
	}

	if err = batch.SetTip(genesis.Header); err != nil {
		_ = batch.Abort()
		return errors.NewServiceError("failed to set genesis tip", err)
	}

	if err = batch.Commit(); err != nil {
		return errors.NewServiceError("failed to commit genesis tip", err)
	}

	if err = c.cells.ApplyBlock(genesis); err != nil {
		return errors.NewServiceError("failed to apply genesis cells", err)
	}

	c.proposals.RecordBlock(genesis)
	c.tip = c.tree.Get(genesis.Hash())

	c.logger.Infof("chain initialised at genesis %s", genesis.Hash())

	return nil
}

func (c *Chain) Close() error {
	return c.store.Close()
}

func (c *Chain) Params() *chaincfg.Params { return c.params }

func (c *Chain) Tree() *BlockTree { return c.tree }

func (c *Chain) Cells() *CellSet { return c.cells }

func (c *Chain) Proposals() *ProposalTable { return c.proposals }

// Tip returns the current best verified block node.
func (c *Chain) Tip() *BlockNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tip
}

// IsMainChain reports whether the node lies on the active chain.
func (c *Chain) IsMainChain(node *BlockNode) bool {
	c.mu.Lock()
	tip := c.tip
	c.mu.Unlock()

	return tip.Ancestor(node.Height()) == node
}

func (c *Chain) GetBlock(ctx context.Context, hash *chainhash.Hash) (*model.Block, error) {
	return c.store.GetBlock(ctx, hash)
}

// GetCellSetDiff reports the net cell-set change of a canonical height range,
// for snapshot consumers that catch up on live cells without replaying whole
// bodies.
func (c *Chain) GetCellSetDiff(ctx context.Context, fromHeight, toHeight uint64) (*chainstore.CellSetDiff, error) {
	return c.store.GetCellSetDiff(ctx, fromHeight, toHeight)
}

// MedianTimePast returns the median timestamp of the node and its ancestors,
// over at most the configured number of blocks.
func (c *Chain) MedianTimePast(node *BlockNode) uint64 {
	count := c.params.MedianTimeBlockCount

	timestamps := make([]uint64, 0, count)
	for n := node; n != nil && len(timestamps) < count; n = n.Parent {
		timestamps = append(timestamps, n.Header.Timestamp)
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	return timestamps[len(timestamps)/2]
}

// LocatorHashes builds a block locator from the tip: dense near the tip,
// thinning exponentially toward genesis, genesis always last.
func (c *Chain) LocatorHashes() []*chainhash.Hash {
	c.mu.Lock()
	node := c.tip
	c.mu.Unlock()

	limit := c.settings.Sync.LocatorCap

	var locator []*chainhash.Hash

	step := uint64(1)
	for node != nil {
		locator = append(locator, node.Hash())

		if len(locator) >= 10 {
			step *= 2
		}
		if limit > 0 && len(locator) >= limit {
			break
		}

		if node.Height() < step {
			break
		}
		node = node.Ancestor(node.Height() - step)
	}

	genesisHash := c.params.GenesisHash()
	if *locator[len(locator)-1] != *genesisHash {
		locator = append(locator, genesisHash)
	}

	return locator
}

// Subscribe registers for tip notifications. The channel is buffered; slow
// subscribers lose notifications rather than blocking the chain.
func (c *Chain) Subscribe() <-chan *Notification {
	ch := make(chan *Notification, c.settings.Chain.NotificationBuffer)

	c.subsMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subsMu.Unlock()

	return ch
}

func (c *Chain) notify(n *Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- n:
		default:
			c.logger.Warnf("dropping chain notification: subscriber queue full")
		}
	}
}

// ProcessVerifiedBlock lands a fully verified block: it stores the body,
// marks the node verified and runs fork choice. The active chain switches
// only when the new branch carries strictly more cumulative work; on equal
// work the incumbent tip stays.
func (c *Chain) ProcessVerifiedBlock(ctx context.Context, block *model.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return errors.NewServiceError("chain is halted after %d critical faults", c.criticalFaults)
	}

	node := c.tree.Get(block.Hash())
	if node == nil {
		node = c.tree.AddHeader(block.Header)
		if node == nil {
			return errors.NewUnknownAncestorError("parent %s of block %s not in tree", block.Header.ParentHash, block.Hash())
		}
	}

	if node.Status == StatusInvalid {
		return errors.NewBlockInvalidError("block %s descends from an invalid block", block.Hash())
	}

	if err := c.store.PutBlock(ctx, block); err != nil {
		c.recordCriticalFault(err)
		return errors.NewStorageError("failed to persist block %s", block.Hash(), err)
	}

	c.tree.SetStatus(node.Hash(), StatusVerified)

	if node.CumulativeWork.Cmp(c.tip.CumulativeWork) <= 0 {
		c.logger.Debugf("block %s verified on side chain at height %d (work %s <= tip %s)",
			block.Hash(), node.Height(), node.CumulativeWork, c.tip.CumulativeWork)
		prometheusChainSideBlocks.Inc()
		return nil
	}

	if node.Parent == c.tip {
		return c.extendTip(ctx, node, block)
	}

	return c.reorganize(ctx, node, block)
}

// extendTip appends a block directly on the current tip.
func (c *Chain) extendTip(ctx context.Context, node *BlockNode, block *model.Block) error {
	if err := c.cells.ApplyBlock(block); err != nil {
		c.tree.SetStatus(node.Hash(), StatusInvalid)
		return errors.NewBlockInvalidError("block %s fails cell check", block.Hash(), err)
	}

	if err := c.commitSwitch(ctx, nil, []*model.Block{block}, node.Header); err != nil {
		if rbErr := c.cells.RollbackBlock(block.Hash()); rbErr != nil {
			c.logger.Errorf("cell rollback failed after aborted tip extension: %v", rbErr)
		}
		return err
	}

	c.proposals.RecordBlock(block)
	c.proposals.Prune(node.Height())
	c.tip = node

	prometheusChainHeight.Set(float64(node.Height()))
	c.logger.Infof("tip advanced to %s at height %d", node.Hash(), node.Height())

	c.notify(&Notification{
		Type:           NotificationTipUpdated,
		Tip:            node.Header,
		AttachedBlocks: []*model.Block{block},
	})

	return nil
}

// reorganize switches the active chain to the branch ending at node. The
// in-memory state is transitioned first so a cell conflict on the new branch
// can reject it cleanly; the store batch then commits the whole switch
// atomically.
func (c *Chain) reorganize(ctx context.Context, node *BlockNode, block *model.Block) error {
	ancestor := CommonAncestor(c.tip, node)

	detachNodes := PathBetween(ancestor, c.tip)
	attachNodes := PathBetween(ancestor, node)

	detached, err := c.loadBlocks(ctx, detachNodes)
	if err != nil {
		c.recordCriticalFault(err)
		return err
	}

	attached := make([]*model.Block, 0, len(attachNodes))
	for _, n := range attachNodes {
		if *n.Hash() == *block.Hash() {
			attached = append(attached, block)
			continue
		}

		b, err := c.store.GetBlock(ctx, n.Hash())
		if err != nil {
			c.recordCriticalFault(err)
			return errors.NewStorageError("missing body for fork block %s", n.Hash(), err)
		}
		attached = append(attached, b)
	}

	// Detach tip-first.
	for i := len(detached) - 1; i >= 0; i-- {
		if err = c.cells.RollbackBlock(detached[i].Hash()); err != nil {
			c.recordCriticalFault(err)
			return errors.NewProcessingError("cell rollback failed during reorg at %s", detached[i].Hash(), err)
		}
	}

	// Attach fork-point-first. A conflict here means the branch double
	// spends against its own history; the branch is invalid, not the chain.
	for i, b := range attached {
		if err = c.cells.ApplyBlock(b); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = c.cells.RollbackBlock(attached[j].Hash())
			}
			for _, d := range detached {
				_ = c.cells.ApplyBlock(d)
			}
			c.tree.SetStatus(b.Hash(), StatusInvalid)
			return errors.NewBlockInvalidError("fork block %s fails cell check", b.Hash(), err)
		}
	}

	if err = c.commitSwitch(ctx, detached, attached, node.Header); err != nil {
		for j := len(attached) - 1; j >= 0; j-- {
			_ = c.cells.RollbackBlock(attached[j].Hash())
		}
		for _, d := range detached {
			_ = c.cells.ApplyBlock(d)
		}
		return err
	}

	var detachedTxs []*model.Transaction
	for _, d := range detached {
		c.proposals.RemoveBlock(d.Height())
		for _, tx := range d.Transactions {
			if !tx.IsCellbase() {
				detachedTxs = append(detachedTxs, tx)
			}
		}
	}
	for _, b := range attached {
		c.proposals.RecordBlock(b)
	}
	c.proposals.Prune(node.Height())

	if err = c.backfillProposals(ctx, node); err != nil {
		c.logger.Warnf("proposal window backfill incomplete: %v", err)
	}

	oldTip := c.tip
	c.tip = node

	prometheusChainHeight.Set(float64(node.Height()))
	prometheusChainReorgs.Inc()
	prometheusChainReorgDepth.Observe(float64(len(detached)))

	c.logger.Warnf("chain reorganized: detached %d blocks from %s, attached %d blocks to new tip %s at height %d",
		len(detached), oldTip.Hash(), len(attached), node.Hash(), node.Height())

	c.notify(&Notification{
		Type:           NotificationReorg,
		Tip:            node.Header,
		DetachedTxs:    detachedTxs,
		AttachedBlocks: attached,
	})

	return nil
}

// backfillProposals restores window entries that an earlier prune discarded,
// which happens when a switch lands on a branch whose tip is lower than the
// old one.
func (c *Chain) backfillProposals(ctx context.Context, tip *BlockNode) error {
	start := uint64(0)
	if tip.Height()+1 > c.params.ProposalWindow.Farthest {
		start = tip.Height() + 1 - c.params.ProposalWindow.Farthest
	}

	for h := start; h <= tip.Height(); h++ {
		if c.proposals.Has(h) {
			continue
		}

		block, err := c.store.GetBlock(ctx, tip.Ancestor(h).Hash())
		if err != nil {
			return errors.NewStorageError("missing body at height %d for the proposal window", h, err)
		}

		c.proposals.RecordBlock(block)
	}

	return nil
}

// commitSwitch writes one tip transition through the store's atomic batch.
// A failure here is a critical fault: the store may disagree with memory.
func (c *Chain) commitSwitch(ctx context.Context, detached, attached []*model.Block, newTip *model.BlockHeader) error {
	batch, err := c.store.BeginSwitch(ctx)
	if err != nil {
		c.recordCriticalFault(err)
		return errors.NewStorageError("failed to begin chain switch", err)
	}

	for i := len(detached) - 1; i >= 0; i-- {
		if err = batch.Detach(detached[i]); err != nil {
			_ = batch.Abort()
			c.recordCriticalFault(err)
			return errors.NewStorageError("failed to detach block %s", detached[i].Hash(), err)
		}
	}

	for _, b := range attached {
		if err = batch.Attach(b); err != nil {
			_ = batch.Abort()
			c.recordCriticalFault(err)
			return errors.NewStorageError("failed to attach block %s", b.Hash(), err)
		}
	}

	if err = batch.SetTip(newTip); err != nil {
		_ = batch.Abort()
		c.recordCriticalFault(err)
		return errors.NewStorageError("failed to set tip %s", newTip.Hash(), err)
	}

	if err = batch.Commit(); err != nil {
		c.recordCriticalFault(err)
		return errors.NewStorageError("failed to commit chain switch", err)
	}

	return nil
}

func (c *Chain) recordCriticalFault(err error) {
	c.criticalFaults++
	prometheusChainCriticalFaults.Inc()

	c.logger.Errorf("critical chain fault %d/%d: %v", c.criticalFaults, c.settings.Chain.MaxCriticalFaults, err)

	if c.criticalFaults >= c.settings.Chain.MaxCriticalFaults {
		c.halted = true
		c.logger.Errorf("chain halted: critical fault limit reached")
	}
}

func (c *Chain) loadBlocks(ctx context.Context, nodes []*BlockNode) ([]*model.Block, error) {
	blocks := make([]*model.Block, 0, len(nodes))

	for _, n := range nodes {
		b, err := c.store.GetBlock(ctx, n.Hash())
		if err != nil {
			return nil, errors.NewStorageError("missing body for active block %s", n.Hash(), err)
		}
		blocks = append(blocks, b)
	}

	return blocks, nil
}
