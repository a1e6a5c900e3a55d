// Package relay propagates new blocks and transactions at the chain tip.
// Blocks travel as compact blocks: short transaction IDs the receiver
// resolves against its own pool, falling back to fetching the missing
// transactions and finally the full block.
package relay

import (
	"context"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/services/p2p"
	syncmgr "github.com/chanhsu001/ckb/services/sync"
	"github.com/chanhsu001/ckb/services/txpool"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// pendingCompact is a compact block waiting for missing transactions.
type pendingCompact struct {
	compact  *model.CompactBlock
	peer     p2p.PeerID
	attempts int
}

type Manager struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	chain     *chain.Chain
	pool      txpool.Pool
	importer  *syncmgr.Manager
	transport p2p.Transport
	registry  *p2p.PeerRegistry

	// recentBlocks and recentTxs stop re-relay loops: anything seen once is
	// not processed or announced again.
	recentBlocks *lru.Cache[chainhash.Hash, struct{}]
	recentTxs    *lru.Cache[chainhash.Hash, struct{}]

	mu      sync.Mutex
	pending map[chainhash.Hash]*pendingCompact

	// awaitingFull marks announced blocks whose reconstruction was abandoned
	// for a full-body fetch, so the arriving body is still re-announced.
	awaitingFull map[chainhash.Hash]struct{}
}

func NewManager(
	logger ulogger.Logger,
	tSettings *settings.Settings,
	c *chain.Chain,
	pool txpool.Pool,
	importer *syncmgr.Manager,
	transport p2p.Transport,
	registry *p2p.PeerRegistry,
) (*Manager, error) {
	initPrometheusMetrics()

	recentBlocks, err := lru.New[chainhash.Hash, struct{}](tSettings.Relay.RecentBlockCacheSize)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid relay block cache size", err)
	}

	recentTxs, err := lru.New[chainhash.Hash, struct{}](tSettings.Relay.RecentTxCacheSize)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid relay tx cache size", err)
	}

	return &Manager{
		logger:       logger.New("relay"),
		settings:     tSettings,
		chain:        c,
		pool:         pool,
		importer:     importer,
		transport:    transport,
		registry:     registry,
		recentBlocks: recentBlocks,
		recentTxs:    recentTxs,
		pending:      make(map[chainhash.Hash]*pendingCompact),
		awaitingFull: make(map[chainhash.Hash]struct{}),
	}, nil
}

// AnnounceBlock broadcasts a freshly landed block as a compact block. The
// node calls this off chain tip notifications.
func (m *Manager) AnnounceBlock(ctx context.Context, block *model.Block, exclude ...p2p.PeerID) {
	m.recentBlocks.Add(*block.Hash(), struct{}{})

	compact := model.NewCompactBlock(block)

	if err := m.transport.Broadcast(ctx, &p2p.RelayBlockMsg{Compact: compact}, exclude...); err != nil {
		m.logger.Warnf("failed to announce block %s: %v", block.Hash(), err)
		return
	}

	prometheusRelayBlocksAnnounced.Inc()
}

// HandleRelayBlock receives a compact block announcement from a peer.
func (m *Manager) HandleRelayBlock(ctx context.Context, peer p2p.PeerID, msg *p2p.RelayBlockMsg) {
	compact := msg.Compact
	blockHash := compact.Header.Hash()

	m.registry.UpdateHeight(peer, compact.Header.Height, blockHash)

	if _, seen := m.recentBlocks.Get(*blockHash); seen {
		return
	}
	m.recentBlocks.Add(*blockHash, struct{}{})

	tree := m.chain.Tree()
	if node := tree.Get(blockHash); node != nil && node.Status != chain.StatusHeaderOnly {
		return
	}

	if !compact.Header.ValidPow() {
		m.transport.Penalize(peer, p2p.SeverityHigh, "relayed block fails proof of work")
		return
	}

	// Unknown parent: the announcement is ahead of us, let header sync
	// close the gap instead of guessing.
	if !tree.Has(compact.Header.ParentHash) {
		m.logger.Debugf("compact block %s has unknown parent, deferring to sync", blockHash)
		m.importer.NotifyNewTip(ctx, peer)
		return
	}

	block, missing := m.reconstruct(compact)
	if len(missing) > 0 {
		m.requestMissing(ctx, peer, compact, missing)
		return
	}

	m.finishReconstruction(ctx, peer, compact, block)
}

// reconstruct assembles a block from a compact block and the local tx pool.
// It returns the short IDs it could not resolve.
func (m *Manager) reconstruct(compact *model.CompactBlock) (*model.Block, []uint64) {
	total := compact.TxCount()
	txs := make([]*model.Transaction, total)

	for _, pf := range compact.Prefilled {
		if int(pf.Index) < total {
			txs[pf.Index] = pf.Tx
		}
	}

	var missing []uint64

	shortIdx := 0
	for i := 0; i < total && shortIdx < len(compact.ShortIDs); i++ {
		if txs[i] != nil {
			continue
		}

		shortID := compact.ShortIDs[shortIdx]
		shortIdx++

		if tx := m.lookupByShortID(compact.Header, shortID); tx != nil {
			txs[i] = tx
		} else {
			missing = append(missing, shortID)
		}
	}

	if len(missing) > 0 {
		return nil, missing
	}

	return model.NewBlock(compact.Header, txs, compact.Proposals, compact.Uncles), nil
}

// lookupByShortID scans the pool for a transaction matching the compact
// short ID under this header's salt.
func (m *Manager) lookupByShortID(header *model.BlockHeader, shortID uint64) *model.Transaction {
	for _, id := range m.pool.ProposalCandidates(0) {
		tx, ok := m.pool.GetByProposalID(id)
		if !ok {
			continue
		}

		if model.ShortTxID(header, tx.Hash()) == shortID {
			return tx
		}
	}

	return nil
}

func (m *Manager) requestMissing(ctx context.Context, peer p2p.PeerID, compact *model.CompactBlock, missing []uint64) {
	blockHash := compact.Header.Hash()

	m.mu.Lock()
	entry, ok := m.pending[*blockHash]
	if !ok {
		entry = &pendingCompact{compact: compact, peer: peer}
		m.pending[*blockHash] = entry
	}
	entry.attempts++
	attempts := entry.attempts
	m.mu.Unlock()

	if attempts > m.settings.Relay.ReconstructionRetryLimit {
		m.fallbackToFullBlock(ctx, peer, blockHash)
		return
	}

	msg := &p2p.GetBlockTransactionsMsg{
		BlockHash: blockHash,
		ShortIDs:  missing,
	}

	if err := m.transport.Send(ctx, peer, msg); err != nil {
		m.logger.Warnf("failed to request %d missing txs for %s: %v", len(missing), blockHash, err)
	}

	prometheusRelayMissingTxRequests.Inc()
}

// HandleGetBlockTransactions serves the transactions of a block we relayed,
// selected by compact short ID.
func (m *Manager) HandleGetBlockTransactions(ctx context.Context, peer p2p.PeerID, msg *p2p.GetBlockTransactionsMsg) {
	block, err := m.chain.GetBlock(ctx, msg.BlockHash)
	if err != nil {
		m.logger.Debugf("peer %s asked for txs of unknown block %s", peer, msg.BlockHash)
		return
	}

	wanted := make(map[uint64]struct{}, len(msg.ShortIDs))
	for _, id := range msg.ShortIDs {
		wanted[id] = struct{}{}
	}

	var txs []*model.Transaction
	for _, tx := range block.Transactions {
		if _, ok := wanted[model.ShortTxID(block.Header, tx.Hash())]; ok {
			txs = append(txs, tx)
		}
	}

	reply := &p2p.BlockTransactionsMsg{
		BlockHash:    msg.BlockHash,
		Transactions: txs,
	}

	if err = m.transport.Send(ctx, peer, reply); err != nil {
		m.logger.Warnf("failed to send block transactions to %s: %v", peer, err)
	}
}

// HandleBlockTransactions completes a pending reconstruction with the
// transactions the peer sent back.
func (m *Manager) HandleBlockTransactions(ctx context.Context, peer p2p.PeerID, msg *p2p.BlockTransactionsMsg) {
	m.mu.Lock()
	entry, ok := m.pending[*msg.BlockHash]
	m.mu.Unlock()

	if !ok {
		return
	}

	compact := entry.compact
	byShortID := make(map[uint64]*model.Transaction, len(msg.Transactions))
	for _, tx := range msg.Transactions {
		byShortID[model.ShortTxID(compact.Header, tx.Hash())] = tx
	}

	total := compact.TxCount()
	txs := make([]*model.Transaction, total)

	for _, pf := range compact.Prefilled {
		if int(pf.Index) < total {
			txs[pf.Index] = pf.Tx
		}
	}

	shortIdx := 0
	for i := 0; i < total && shortIdx < len(compact.ShortIDs); i++ {
		if txs[i] != nil {
			continue
		}

		shortID := compact.ShortIDs[shortIdx]
		shortIdx++

		if tx, found := byShortID[shortID]; found {
			txs[i] = tx
			continue
		}
		if tx := m.lookupByShortID(compact.Header, shortID); tx != nil {
			txs[i] = tx
			continue
		}

		// Still incomplete; one more round or the full block.
		m.requestMissing(ctx, peer, compact, []uint64{shortID})
		return
	}

	block := model.NewBlock(compact.Header, txs, compact.Proposals, compact.Uncles)
	m.finishReconstruction(ctx, peer, compact, block)
}

// finishReconstruction checks the assembled block really is the announced
// one, then imports and re-announces it. A root mismatch means a short ID
// collision; the full block resolves it.
func (m *Manager) finishReconstruction(ctx context.Context, peer p2p.PeerID, compact *model.CompactBlock, block *model.Block) {
	blockHash := compact.Header.Hash()

	m.mu.Lock()
	delete(m.pending, *blockHash)
	m.mu.Unlock()

	if *block.CalcTransactionsRoot() != *compact.Header.TransactionsRoot {
		m.logger.Infof("compact block %s reconstruction mismatch, fetching full block", blockHash)
		m.fallbackToFullBlock(ctx, peer, blockHash)
		return
	}

	prometheusRelayBlocksReconstructed.Inc()

	if err := m.importer.ImportBlock(ctx, peer, block); err != nil {
		m.logger.Warnf("relayed block %s rejected: %v", blockHash, err)
		return
	}

	// Pass it along to everyone but the peer that told us.
	m.AnnounceBlock(ctx, block, peer)
}

func (m *Manager) fallbackToFullBlock(ctx context.Context, peer p2p.PeerID, blockHash *chainhash.Hash) {
	m.mu.Lock()
	delete(m.pending, *blockHash)
	m.awaitingFull[*blockHash] = struct{}{}
	m.mu.Unlock()

	prometheusRelayFullBlockFallbacks.Inc()

	msg := &p2p.GetBlocksMsg{Hashes: []*chainhash.Hash{blockHash}}
	if err := m.transport.Send(ctx, peer, msg); err != nil {
		m.logger.Warnf("failed to request full block %s: %v", blockHash, err)
	}
}

// HandleBlock routes a received block body. A body fetched as the full-block
// fallback of a failed compact reconstruction is imported here and then
// re-announced, keeping the block propagating; everything else belongs to the
// sync pipeline.
func (m *Manager) HandleBlock(ctx context.Context, peer p2p.PeerID, msg *p2p.BlockMsg) {
	blockHash := msg.Block.Hash()

	m.mu.Lock()
	_, fallback := m.awaitingFull[*blockHash]
	delete(m.awaitingFull, *blockHash)
	m.mu.Unlock()

	if !fallback {
		m.importer.HandleBlock(ctx, peer, msg)
		return
	}

	if err := m.importer.ImportBlock(ctx, peer, msg.Block); err != nil {
		m.logger.Warnf("full block %s rejected: %v", blockHash, err)
		return
	}

	m.AnnounceBlock(ctx, msg.Block, peer)
}

// HandleRelayTransaction admits a relayed transaction to the pool and passes
// it on.
func (m *Manager) HandleRelayTransaction(ctx context.Context, peer p2p.PeerID, msg *p2p.RelayTransactionMsg) {
	tx := msg.Tx
	txHash := tx.Hash()

	if _, seen := m.recentTxs.Get(*txHash); seen {
		return
	}
	m.recentTxs.Add(*txHash, struct{}{})

	if err := m.pool.SubmitTransaction(ctx, tx); err != nil {
		if errors.Is(err, errors.ErrTxAlreadyExists) {
			return
		}

		m.logger.Debugf("relayed tx %s from %s rejected: %v", txHash, peer, err)
		m.transport.Penalize(peer, p2p.SeverityLow, "relayed invalid transaction")

		return
	}

	prometheusRelayTxsAccepted.Inc()

	if err := m.transport.Broadcast(ctx, msg, peer); err != nil {
		m.logger.Warnf("failed to rebroadcast tx %s: %v", txHash, err)
	}
}
