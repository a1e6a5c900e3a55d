// Package sync drives headers-first synchronization: it streams header
// batches from peers, hands connected headers to the pool, schedules body
// downloads and lands completed blocks through the verification pipeline.
package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/looplab/fsm"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/blockvalidation"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/services/downloader"
	"github.com/chanhsu001/ckb/services/headerpool"
	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// maxPendingChildren bounds the blocks parked behind an unverified parent.
const maxPendingChildren = 1024

type peerSession struct {
	peer  p2p.PeerID
	state *fsm.FSM

	// lastActivity holds unix nanos of the last message from the peer. The
	// message handlers write it from the event workers while the ticker
	// goroutine reads it, so it is atomic rather than guarded by the
	// manager mutex.
	lastActivity atomic.Int64
}

func (s *peerSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *peerSession) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

type Manager struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	chain     *chain.Chain
	pool      *headerpool.HeaderPool
	scheduler *downloader.Scheduler
	validator *blockvalidation.Validator
	transport p2p.Transport
	registry  *p2p.PeerRegistry

	mu       gosync.Mutex
	sessions map[p2p.PeerID]*peerSession

	// pendingBlocks parks bodies whose parent has not verified yet, keyed
	// by the parent hash.
	pendingBlocks map[chainhash.Hash][]*model.Block
	pendingCount  int
}

func NewManager(
	logger ulogger.Logger,
	tSettings *settings.Settings,
	c *chain.Chain,
	pool *headerpool.HeaderPool,
	scheduler *downloader.Scheduler,
	validator *blockvalidation.Validator,
	transport p2p.Transport,
	registry *p2p.PeerRegistry,
) *Manager {
	initPrometheusMetrics()

	return &Manager{
		logger:        logger.New("sync"),
		settings:      tSettings,
		chain:         c,
		pool:          pool,
		scheduler:     scheduler,
		validator:     validator,
		transport:     transport,
		registry:      registry,
		sessions:      make(map[p2p.PeerID]*peerSession),
		pendingBlocks: make(map[chainhash.Hash][]*model.Block),
	}
}

// Start runs the maintenance ticker until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.settings.Sync.TickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(ctx, now)
		}
	}
}

// OnPeerConnected opens a session and starts header sync when the peer
// claims a better chain.
func (m *Manager) OnPeerConnected(ctx context.Context, peer p2p.PeerID, bestHeight uint64) {
	session := &peerSession{
		peer:  peer,
		state: newSessionFSM(),
	}
	session.touch()

	m.mu.Lock()
	m.sessions[peer] = session
	m.mu.Unlock()

	if bestHeight > m.chain.Tip().Height() {
		m.startSync(ctx, session)
	}
}

func (m *Manager) OnPeerDisconnected(ctx context.Context, peer p2p.PeerID) {
	m.mu.Lock()
	delete(m.sessions, peer)
	m.mu.Unlock()

	if cancelled := m.scheduler.CancelPeer(peer); len(cancelled) > 0 {
		m.logger.Debugf("peer %s left with %d downloads in flight, rescheduling", peer, len(cancelled))
		m.rescheduleBlocks(ctx, cancelled)
	}
}

func (m *Manager) startSync(ctx context.Context, session *peerSession) {
	if err := session.state.Event(ctx, EventStartSync); err != nil {
		return
	}

	session.touch()
	m.requestHeaders(ctx, session.peer)
}

func (m *Manager) requestHeaders(ctx context.Context, peer p2p.PeerID) {
	msg := &p2p.GetHeadersMsg{
		Locator: m.chain.LocatorHashes(),
	}

	if err := m.transport.Send(ctx, peer, msg); err != nil {
		m.logger.Warnf("failed to request headers from %s: %v", peer, err)
	}
}

// HandleGetHeaders serves a header batch to a peer: it finds the fork point
// from the locator and streams main-chain headers above it.
func (m *Manager) HandleGetHeaders(ctx context.Context, peer p2p.PeerID, msg *p2p.GetHeadersMsg) {
	tree := m.chain.Tree()
	tip := m.chain.Tip()

	// The first locator entry on the active chain is the fork point; the
	// locator always ends at genesis, so one is guaranteed.
	var forkPoint *chain.BlockNode
	for _, hash := range msg.Locator {
		node := tree.Get(hash)
		if node == nil {
			continue
		}
		if tip.Ancestor(node.Height()) == node {
			forkPoint = node
			break
		}
	}

	if forkPoint == nil {
		m.logger.Debugf("peer %s sent a locator with no common block", peer)
		return
	}

	batch := m.settings.Sync.HeadersBatchSize
	headers := make([]*model.BlockHeader, 0, batch)

	for h := forkPoint.Height() + 1; h <= tip.Height() && len(headers) < batch; h++ {
		node := tip.Ancestor(h)
		headers = append(headers, node.Header)

		if msg.StopHash != nil && *node.Hash() == *msg.StopHash {
			break
		}
	}

	if err := m.transport.Send(ctx, peer, &p2p.HeadersMsg{Headers: headers}); err != nil {
		m.logger.Warnf("failed to send headers to %s: %v", peer, err)
	}
}

// HandleHeaders ingests a header batch from a peer. Connected headers get
// their header checks and body downloads; a short batch means the peer has
// nothing further and the session is caught up.
func (m *Manager) HandleHeaders(ctx context.Context, peer p2p.PeerID, msg *p2p.HeadersMsg) {
	session := m.session(peer)
	if session != nil {
		session.touch()
	}

	var (
		connected []*chain.BlockNode
		sawOrphan bool
	)

	for _, header := range msg.Headers {
		classification, nodes, err := m.pool.AddHeader(header)

		switch classification {
		case headerpool.HeaderInvalid:
			m.logger.Warnf("peer %s sent invalid header %s: %v", peer, header.Hash(), err)
			m.transport.Penalize(peer, p2p.SeverityHigh, "invalid header")
			return

		case headerpool.HeaderOrphan:
			sawOrphan = true

		case headerpool.HeaderConnected:
			connected = append(connected, nodes...)
		}
	}

	prometheusSyncHeadersReceived.Add(float64(len(msg.Headers)))

	accepted := m.checkConnectedHeaders(ctx, peer, connected)
	m.requestBodies(ctx, accepted)

	if sawOrphan {
		// Missing ancestors; ask the peer to fill the gap from our locator.
		m.requestHeaders(ctx, peer)
		return
	}

	if session == nil {
		return
	}

	if len(msg.Headers) >= m.settings.Sync.HeadersBatchSize {
		_ = session.state.Event(ctx, EventBatchFull)
		m.requestHeaders(ctx, peer)
	} else {
		if err := session.state.Event(ctx, EventBatchPartial); err == nil {
			m.logger.Infof("peer %s caught up at height %d", peer, m.chain.Tip().Height())
		}
	}
}

// checkConnectedHeaders runs header verification on freshly connected nodes
// and returns the ones worth downloading bodies for.
func (m *Manager) checkConnectedHeaders(ctx context.Context, peer p2p.PeerID, nodes []*chain.BlockNode) []*chain.BlockNode {
	tree := m.chain.Tree()

	accepted := make([]*chain.BlockNode, 0, len(nodes))

	for _, node := range nodes {
		if node.Status != chain.StatusHeaderOnly {
			continue
		}

		if err := m.validator.CheckHeader(node.Header, node.Parent); err != nil {
			if errors.CodeOf(err).IsConsensusViolation() {
				tree.SetStatus(node.Hash(), chain.StatusInvalid)
				m.transport.Penalize(peer, p2p.SeverityHigh, "header fails consensus")
				m.logger.Warnf("peer %s sent header %s failing consensus: %v", peer, node.Hash(), err)
			}
			continue
		}

		accepted = append(accepted, node)
	}

	return accepted
}

// requestBodies schedules body downloads for the nodes and batches the
// requests per assigned peer.
func (m *Manager) requestBodies(ctx context.Context, nodes []*chain.BlockNode) {
	perPeer := make(map[p2p.PeerID][]*chainhash.Hash)

	for _, node := range nodes {
		hash := node.Hash()

		if m.scheduler.IsInFlight(hash) {
			continue
		}

		candidates := m.registry.PeersAtOrAboveHeight(node.Height())
		peer, ok := m.scheduler.Schedule(hash, candidates)
		if !ok {
			continue
		}

		perPeer[peer] = append(perPeer[peer], hash)
	}

	for peer, hashes := range perPeer {
		if err := m.transport.Send(ctx, peer, &p2p.GetBlocksMsg{Hashes: hashes}); err != nil {
			m.logger.Warnf("failed to request %d blocks from %s: %v", len(hashes), peer, err)
		}
	}
}

func (m *Manager) rescheduleBlocks(ctx context.Context, hashes []chainhash.Hash) {
	tree := m.chain.Tree()

	var nodes []*chain.BlockNode
	for i := range hashes {
		if node := tree.Get(&hashes[i]); node != nil {
			nodes = append(nodes, node)
		}
	}

	m.requestBodies(ctx, nodes)
}

// HandleGetBlocks serves full blocks out of the store.
func (m *Manager) HandleGetBlocks(ctx context.Context, peer p2p.PeerID, msg *p2p.GetBlocksMsg) {
	for _, hash := range msg.Hashes {
		block, err := m.chain.GetBlock(ctx, hash)
		if err != nil {
			m.logger.Debugf("peer %s asked for unknown block %s", peer, hash)
			continue
		}

		if err = m.transport.Send(ctx, peer, &p2p.BlockMsg{Block: block}); err != nil {
			m.logger.Warnf("failed to send block %s to %s: %v", hash, peer, err)
			return
		}
	}
}

// HandleBlock receives a requested block body and feeds it into the import
// pipeline.
func (m *Manager) HandleBlock(ctx context.Context, peer p2p.PeerID, msg *p2p.BlockMsg) {
	block := msg.Block

	m.scheduler.MarkReceived(block.Hash())

	if session := m.session(peer); session != nil {
		session.touch()
	}

	if err := m.ImportBlock(ctx, peer, block); err != nil {
		m.logger.Warnf("block %s from peer %s rejected: %v", block.Hash(), peer, err)
	}
}

// ImportBlock validates a block and lands it on the chain. Bodies arriving
// before their parent has verified are parked and retried when the parent
// lands. Consensus violations penalize the sending peer.
func (m *Manager) ImportBlock(ctx context.Context, peer p2p.PeerID, block *model.Block) error {
	tree := m.chain.Tree()

	node := tree.Get(block.Hash())
	if node != nil {
		switch node.Status {
		case chain.StatusVerified:
			return nil
		case chain.StatusInvalid:
			m.transport.Penalize(peer, p2p.SeverityMedium, "resent known-invalid block")
			return errors.NewBlockInvalidError("block %s is known invalid", block.Hash())
		}
	}

	parent := tree.Get(block.Header.ParentHash)
	if parent == nil || parent.Status == chain.StatusHeaderOnly || parent.Status == chain.StatusBodyPending {
		m.parkBlock(block)
		return nil
	}

	if node != nil {
		tree.SetStatus(node.Hash(), chain.StatusBodyPending)
	}

	if err := m.validator.ValidateBlock(ctx, block); err != nil {
		if errors.CodeOf(err).IsConsensusViolation() || errors.Is(err, errors.ErrBlockInvalid) {
			m.transport.Penalize(peer, p2p.SeverityHigh, "block fails consensus")
		}
		return err
	}

	if err := m.chain.ProcessVerifiedBlock(ctx, block); err != nil {
		return err
	}

	prometheusSyncBlocksImported.Inc()

	m.promoteChildren(ctx, peer, block.Hash())

	return nil
}

func (m *Manager) parkBlock(block *model.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingCount >= maxPendingChildren {
		m.logger.Warnf("pending block buffer full, dropping %s", block.Hash())
		return
	}

	parent := *block.Header.ParentHash
	for _, b := range m.pendingBlocks[parent] {
		if *b.Hash() == *block.Hash() {
			return
		}
	}

	m.pendingBlocks[parent] = append(m.pendingBlocks[parent], block)
	m.pendingCount++
}

// promoteChildren retries bodies that were waiting for the given block.
func (m *Manager) promoteChildren(ctx context.Context, peer p2p.PeerID, parent *chainhash.Hash) {
	m.mu.Lock()
	children := m.pendingBlocks[*parent]
	delete(m.pendingBlocks, *parent)
	m.pendingCount -= len(children)
	m.mu.Unlock()

	for _, child := range children {
		if err := m.ImportBlock(ctx, peer, child); err != nil {
			m.logger.Warnf("parked block %s rejected: %v", child.Hash(), err)
		}
	}
}

// Tick expires download timeouts, reschedules them and stalls sessions that
// have gone quiet mid-sync.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	var retry []chainhash.Hash

	for _, timedOut := range m.scheduler.ExpireTimeouts(now) {
		m.transport.Penalize(timedOut.Peer, p2p.SeverityLow, "block request timeout")

		if !timedOut.GivenUp {
			retry = append(retry, timedOut.Hash)
		}
	}

	if len(retry) > 0 {
		m.rescheduleBlocks(ctx, retry)
	}

	m.mu.Lock()
	var stalled []*peerSession
	for _, session := range m.sessions {
		if session.state.Current() == StateSyncHeaders &&
			session.idleFor(now) > m.settings.Sync.PeerIdleTimeout {
			stalled = append(stalled, session)
		}
	}
	m.mu.Unlock()

	for _, session := range stalled {
		if err := session.state.Event(ctx, EventStall); err != nil {
			continue
		}

		m.logger.Warnf("peer %s stalled during header sync", session.peer)
		m.transport.Penalize(session.peer, p2p.SeverityMedium, "header sync stalled")

		// Resume from another peer that claims a better chain.
		m.resumeFromAnotherPeer(ctx, session.peer)
	}
}

func (m *Manager) resumeFromAnotherPeer(ctx context.Context, exclude p2p.PeerID) {
	tipHeight := m.chain.Tip().Height()

	for _, candidate := range m.registry.PeersAtOrAboveHeight(tipHeight + 1) {
		if candidate == exclude {
			continue
		}

		if session := m.session(candidate); session != nil {
			m.startSync(ctx, session)
			return
		}
	}
}

// NotifyNewTip nudges caught-up sessions when a better remote tip was
// announced via relay.
func (m *Manager) NotifyNewTip(ctx context.Context, peer p2p.PeerID) {
	session := m.session(peer)
	if session == nil {
		return
	}

	if err := session.state.Event(ctx, EventNewTip); err == nil {
		session.touch()
		m.requestHeaders(ctx, peer)
	}
}

func (m *Manager) session(peer p2p.PeerID) *peerSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[peer]
}

// SessionState reports the sync state of a peer, for diagnostics.
func (m *Manager) SessionState(peer p2p.PeerID) string {
	session := m.session(peer)
	if session == nil {
		return ""
	}

	return session.state.Current()
}
