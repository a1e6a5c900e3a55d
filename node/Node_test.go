package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/node"
	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/testutil"
	"github.com/chanhsu001/ckb/ulogger"
)

func startNode(t *testing.T, ctx context.Context, transport p2p.Transport) *node.Node {
	t.Helper()

	n, err := node.New(ctx, ulogger.NewVerboseTestLogger(t), settings.NewTestSettings(), transport, nil)
	require.NoError(t, err)

	n.Start(ctx)
	t.Cleanup(func() { _ = n.Stop() })

	return n
}

func TestNodesSyncOverLoopback(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	// The fixture chain is mined off to the side and fed to node A.
	miner := testutil.NewHarness(t)
	blocks := miner.ExtendChain(t, 5)

	endpointA := hub.Join("a", 0, 1024)
	nodeA := startNode(t, ctx, endpointA)

	for _, block := range blocks {
		require.NoError(t, nodeA.SyncManager().ImportBlock(ctx, "fixture", block))
	}
	require.Equal(t, uint64(5), nodeA.Chain().Tip().Height())

	endpointB := hub.Join("b", 0, 1024)
	nodeB := startNode(t, ctx, endpointB)

	// Wait for B to open a session for A before announcing, then relay the
	// tip; the unknown parent makes B fall back to header sync.
	require.Eventually(t, func() bool {
		return nodeB.SyncManager().SessionState("a") != ""
	}, 5*time.Second, 10*time.Millisecond, "node B never saw node A connect")

	nodeA.RelayManager().AnnounceBlock(ctx, blocks[4])

	require.Eventually(t, func() bool {
		return nodeB.Chain().Tip().Height() == 5
	}, 5*time.Second, 10*time.Millisecond, "node B never caught up")

	assert.Equal(t, nodeA.Chain().Tip().Hash(), nodeB.Chain().Tip().Hash())
}

func TestUnhandledMessagesEventuallyBanPeer(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewLoopbackHub()

	endpoint := hub.Join("victim", 0, 1024)
	n := startNode(t, ctx, endpoint)

	attacker := hub.Join("attacker", 0, 1024)

	// The ban threshold is 100 and an unhandled message scores low
	// severity (10 points); ten of them cross the line.
	for i := 0; i < 10; i++ {
		require.NoError(t, attacker.Send(ctx, "victim", &bogusMsg{}))
	}

	require.Eventually(t, func() bool {
		info, ok := n.Registry().GetPeer("attacker")
		return ok && info.IsBanned
	}, 5*time.Second, 10*time.Millisecond, "attacker was never banned")
}

type bogusMsg struct{}

func (*bogusMsg) Command() string { return "bogus" }
