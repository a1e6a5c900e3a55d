// Package node assembles the chain, verification pipeline, sync and relay
// services into a running node and pumps transport events through them.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/chanhsu001/ckb/services/blockvalidation"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/services/downloader"
	"github.com/chanhsu001/ckb/services/headerpool"
	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/services/relay"
	syncmgr "github.com/chanhsu001/ckb/services/sync"
	"github.com/chanhsu001/ckb/services/txpool"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

type Node struct {
	logger   ulogger.Logger
	settings *settings.Settings

	chain      *chain.Chain
	headerPool *headerpool.HeaderPool
	scheduler  *downloader.Scheduler
	validator  *blockvalidation.Validator
	txPool     txpool.Pool

	syncManager  *syncmgr.Manager
	relayManager *relay.Manager

	transport p2p.Transport
	registry  *p2p.PeerRegistry
	bans      *p2p.PeerBanManager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the node together on top of the given transport. The script
// verifier may be nil, in which case the built-in lock hash verifier is used.
func New(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings,
	transport p2p.Transport, scripts blockvalidation.ScriptVerifier,
) (*Node, error) {
	logger = logger.New("node")

	c, err := chain.New(ctx, logger, tSettings)
	if err != nil {
		return nil, err
	}

	registry := p2p.NewPeerRegistry()

	n := &Node{
		logger:   logger,
		settings: tSettings,
		chain:    c,
		registry: registry,
	}

	n.bans = p2p.NewPeerBanManager(logger, tSettings, n)
	n.transport = &scoringTransport{inner: transport, bans: n.bans, registry: registry}

	n.headerPool = headerpool.New(logger, tSettings, c)
	n.scheduler = downloader.New(logger, tSettings)
	n.validator = blockvalidation.New(logger, tSettings, c, scripts)
	n.txPool = txpool.New(logger, tSettings, c)

	n.syncManager = syncmgr.NewManager(logger, tSettings, c, n.headerPool, n.scheduler, n.validator, n.transport, registry)

	n.relayManager, err = relay.NewManager(logger, tSettings, c, n.txPool, n.syncManager, n.transport, registry)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return n, nil
}

// Start spins up the event workers, the sync ticker and the chain
// notification loop. It returns immediately.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	notifications := n.chain.Subscribe()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.syncManager.Start(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.notificationLoop(ctx, notifications)
	}()

	for i := 0; i < n.settings.P2P.WorkerCount; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.eventLoop(ctx)
		}()
	}

	n.logger.Infof("node started at height %d with %d event workers",
		n.chain.Tip().Height(), n.settings.P2P.WorkerCount)
}

// Stop shuts the node down and closes the chain store.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}

	n.wg.Wait()
	n.headerPool.Stop()

	return n.chain.Close()
}

func (n *Node) Chain() *chain.Chain { return n.chain }

func (n *Node) TxPool() txpool.Pool { return n.txPool }

func (n *Node) Registry() *p2p.PeerRegistry { return n.registry }

func (n *Node) SyncManager() *syncmgr.Manager { return n.syncManager }

func (n *Node) RelayManager() *relay.Manager { return n.relayManager }

// OnPeerBanned implements p2p.BanEventHandler: a banned peer is dropped.
func (n *Node) OnPeerBanned(peer p2p.PeerID, until time.Time, reason string) {
	n.logger.Warnf("disconnecting banned peer %s (until %s, %s)", peer, until.Format(time.RFC3339), reason)
	n.transport.Disconnect(peer)
}

func (n *Node) eventLoop(ctx context.Context) {
	events := n.transport.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev p2p.Event) {
	switch ev.Type {
	case p2p.EventPeerConnected:
		if n.bans.IsBanned(ev.Peer) {
			n.transport.Disconnect(ev.Peer)
			return
		}

		n.registry.AddPeer(ev.Peer, ev.BestHeight)
		n.syncManager.OnPeerConnected(ctx, ev.Peer, ev.BestHeight)

	case p2p.EventPeerDisconnected:
		n.syncManager.OnPeerDisconnected(ctx, ev.Peer)
		n.registry.RemovePeer(ev.Peer)
		n.bans.Forget(ev.Peer)

	case p2p.EventMessageReceived:
		if n.bans.IsBanned(ev.Peer) {
			return
		}

		n.registry.TouchMessage(ev.Peer)
		n.dispatch(ctx, ev.Peer, ev.Message)
	}
}

func (n *Node) dispatch(ctx context.Context, peer p2p.PeerID, msg p2p.Message) {
	switch m := msg.(type) {
	case *p2p.GetHeadersMsg:
		n.syncManager.HandleGetHeaders(ctx, peer, m)
	case *p2p.HeadersMsg:
		n.syncManager.HandleHeaders(ctx, peer, m)
	case *p2p.GetBlocksMsg:
		n.syncManager.HandleGetBlocks(ctx, peer, m)
	case *p2p.BlockMsg:
		n.relayManager.HandleBlock(ctx, peer, m)
	case *p2p.RelayBlockMsg:
		n.relayManager.HandleRelayBlock(ctx, peer, m)
	case *p2p.RelayTransactionMsg:
		n.relayManager.HandleRelayTransaction(ctx, peer, m)
	case *p2p.GetBlockTransactionsMsg:
		n.relayManager.HandleGetBlockTransactions(ctx, peer, m)
	case *p2p.BlockTransactionsMsg:
		n.relayManager.HandleBlockTransactions(ctx, peer, m)
	default:
		n.logger.Warnf("peer %s sent unhandled message %s", peer, msg.Command())
		n.transport.Penalize(peer, p2p.SeverityLow, "unhandled message type")
	}
}

// notificationLoop reconciles the tx pool against every tip transition.
// Block announcements ride on the relay handlers themselves, so the loop
// only has pool work to do.
func (n *Node) notificationLoop(ctx context.Context, notifications <-chan *chain.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				return
			}

			n.txPool.NotifyNewTip(ctx, notification)

			if notification.Type == chain.NotificationReorg {
				n.logger.Infof("tx pool reconciled after reorg: %d transactions returned",
					len(notification.DetachedTxs))
			}
		}
	}
}
