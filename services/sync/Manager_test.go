package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/downloader"
	"github.com/chanhsu001/ckb/services/headerpool"
	"github.com/chanhsu001/ckb/services/p2p"
	syncmgr "github.com/chanhsu001/ckb/services/sync"
	"github.com/chanhsu001/ckb/testutil"
	"github.com/chanhsu001/ckb/ulogger"
)

// syncNode wires a harness into a sync manager over a loopback transport.
type syncNode struct {
	id       p2p.PeerID
	harness  *testutil.Harness
	manager  *syncmgr.Manager
	endpoint *p2p.LoopbackTransport
	registry *p2p.PeerRegistry
	pool     *headerpool.HeaderPool
}

func newSyncNode(t *testing.T, hub *p2p.LoopbackHub, id p2p.PeerID, h *testutil.Harness) *syncNode {
	t.Helper()

	logger := ulogger.NewErrorTestLogger(t)
	endpoint := hub.Join(id, h.Chain.Tip().Height(), 256)
	registry := p2p.NewPeerRegistry()
	pool := headerpool.New(logger, h.Settings, h.Chain)
	t.Cleanup(pool.Stop)

	manager := syncmgr.NewManager(
		logger, h.Settings, h.Chain, pool,
		downloader.New(logger, h.Settings),
		h.Validator, endpoint, registry,
	)

	return &syncNode{
		id:       id,
		harness:  h,
		manager:  manager,
		endpoint: endpoint,
		registry: registry,
		pool:     pool,
	}
}

// dispatch feeds one transport event into the node's handlers, mirroring the
// node event loop.
func (n *syncNode) dispatch(ctx context.Context, ev p2p.Event) {
	switch msg := ev.Message.(type) {
	case *p2p.GetHeadersMsg:
		n.manager.HandleGetHeaders(ctx, ev.Peer, msg)
	case *p2p.HeadersMsg:
		n.manager.HandleHeaders(ctx, ev.Peer, msg)
	case *p2p.GetBlocksMsg:
		n.manager.HandleGetBlocks(ctx, ev.Peer, msg)
	case *p2p.BlockMsg:
		n.manager.HandleBlock(ctx, ev.Peer, msg)
	}
}

// pump drains both endpoints until no messages remain in flight.
func pump(ctx context.Context, nodes ...*syncNode) {
	for {
		progressed := false

		for _, n := range nodes {
			select {
			case ev := <-n.endpoint.Events():
				if ev.Type == p2p.EventMessageReceived {
					n.dispatch(ctx, ev)
				}
				progressed = true
			default:
			}
		}

		if !progressed {
			return
		}
	}
}

func TestHeadersFirstSync(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	server.ExtendChain(t, 5)

	a := newSyncNode(t, hub, "a", server)
	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))

	// Each node drops the join events before the run.
	pumpJoinEvents(a, b)

	b.registry.AddPeer("a", 5)
	b.manager.OnPeerConnected(ctx, "a", 5)

	pump(ctx, a, b)

	assert.Equal(t, uint64(5), b.harness.Chain.Tip().Height())
	assert.Equal(t, a.harness.Chain.Tip().Hash(), b.harness.Chain.Tip().Hash())
	assert.Equal(t, syncmgr.StateCaughtUp, b.manager.SessionState("a"))
}

func pumpJoinEvents(nodes ...*syncNode) {
	for _, n := range nodes {
		for drained := false; !drained; {
			select {
			case <-n.endpoint.Events():
			default:
				drained = true
			}
		}
	}
}

func TestHandleGetHeadersServesFromForkPoint(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	server.ExtendChain(t, 5)

	a := newSyncNode(t, hub, "a", server)
	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(a, b)

	genesis := b.harness.Chain.Params().GenesisBlock()
	a.manager.HandleGetHeaders(ctx, "b", &p2p.GetHeadersMsg{
		Locator: []*chainhash.Hash{genesis.Hash()},
	})

	ev := <-b.endpoint.Events()
	headers, ok := ev.Message.(*p2p.HeadersMsg)
	require.True(t, ok)
	require.Len(t, headers.Headers, 5)
	assert.Equal(t, uint64(1), headers.Headers[0].Height)
	assert.Equal(t, uint64(5), headers.Headers[4].Height)
}

func TestNewTipAnnouncementResumesSync(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	server.ExtendChain(t, 3)

	a := newSyncNode(t, hub, "a", server)
	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(a, b)

	b.registry.AddPeer("a", 3)
	b.manager.OnPeerConnected(ctx, "b-session", 0)

	// The peer claimed no better chain, so no sync started.
	assert.Equal(t, syncmgr.StateIdle, b.manager.SessionState("b-session"))

	b.manager.OnPeerConnected(ctx, "a", 3)
	pump(ctx, a, b)
	require.Equal(t, uint64(3), b.harness.Chain.Tip().Height())
	require.Equal(t, syncmgr.StateCaughtUp, b.manager.SessionState("a"))

	// The server mines on; a relay announcement triggers a new round.
	server.ExtendChain(t, 2)
	b.registry.UpdateHeight("a", 5, server.Chain.Tip().Hash())

	b.manager.NotifyNewTip(ctx, "a")
	pump(ctx, a, b)

	assert.Equal(t, uint64(5), b.harness.Chain.Tip().Height())
}

func TestOutOfOrderBodiesArePromoted(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	blocks := server.ExtendChain(t, 3)

	a := newSyncNode(t, hub, "a", server)
	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(a, b)

	// Hand B the headers directly so the tree knows all three.
	for _, block := range blocks {
		class, _, err := b.pool.AddHeader(block.Header)
		require.NoError(t, err)
		require.Equal(t, headerpool.HeaderConnected, class)
	}

	// Bodies arrive newest first: the first two park behind their parents.
	require.NoError(t, b.manager.ImportBlock(ctx, "a", blocks[2]))
	require.NoError(t, b.manager.ImportBlock(ctx, "a", blocks[1]))
	assert.Equal(t, uint64(0), b.harness.Chain.Tip().Height())

	require.NoError(t, b.manager.ImportBlock(ctx, "a", blocks[0]))
	assert.Equal(t, uint64(3), b.harness.Chain.Tip().Height())
}

func TestInvalidHeaderPenalizesPeer(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	blocks := server.ExtendChain(t, 1)

	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(b)

	bad := *blocks[0].Header
	bad.Nonce = 0
	for bad.ValidPow() {
		bad.Nonce++
	}

	b.manager.HandleHeaders(ctx, "a", &p2p.HeadersMsg{Headers: []*model.BlockHeader{&bad}})

	penalties := b.endpoint.Penalties("a")
	require.Len(t, penalties, 1)
	assert.Equal(t, p2p.SeverityHigh, penalties[0])
}

// The session activity clock is written by the message handlers on the event
// workers while the ticker reads it; this hammers both sides so the race
// detector can see any unsynchronized access.
func TestTickConcurrentWithHeaderIngest(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(b)

	b.manager.OnPeerConnected(ctx, "a", 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.manager.HandleHeaders(ctx, "a", &p2p.HeadersMsg{})
		}
	}()

	for i := 0; i < 200; i++ {
		b.manager.Tick(ctx, time.Now())
	}
	<-done

	assert.NotEmpty(t, b.manager.SessionState("a"))
}

func TestStalledSessionIsPenalized(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	server := testutil.NewHarness(t)
	server.ExtendChain(t, 2)

	a := newSyncNode(t, hub, "a", server)
	b := newSyncNode(t, hub, "b", testutil.NewHarness(t))
	pumpJoinEvents(a, b)

	b.manager.OnPeerConnected(ctx, "a", 2)
	require.Equal(t, syncmgr.StateSyncHeaders, b.manager.SessionState("a"))

	// No reply ever arrives; the next tick past the idle timeout stalls it.
	b.manager.Tick(ctx, time.Now().Add(b.harness.Settings.Sync.PeerIdleTimeout+time.Minute))

	assert.Equal(t, syncmgr.StateStalled, b.manager.SessionState("a"))

	penalties := b.endpoint.Penalties("a")
	require.NotEmpty(t, penalties)
	assert.Contains(t, penalties, p2p.SeverityMedium)
}
