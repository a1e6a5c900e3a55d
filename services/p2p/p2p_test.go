package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

func TestPeerRegistryLifecycle(t *testing.T) {
	pr := NewPeerRegistry()

	pr.AddPeer("alice", 100)
	pr.AddPeer("bob", 50)
	require.Equal(t, 2, pr.Count())

	info, ok := pr.GetPeer("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(100), info.BestHeight)

	hash := &chainhash.Hash{0x01}
	pr.UpdateHeight("bob", 120, hash)

	info, ok = pr.GetPeer("bob")
	require.True(t, ok)
	assert.Equal(t, uint64(120), info.BestHeight)
	assert.Equal(t, hash, info.BestHash)

	pr.RemovePeer("alice")
	_, ok = pr.GetPeer("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, pr.Count())
}

func TestPeerRegistryCopiesOnRead(t *testing.T) {
	pr := NewPeerRegistry()
	pr.AddPeer("alice", 10)

	info, ok := pr.GetPeer("alice")
	require.True(t, ok)

	info.BestHeight = 9999

	fresh, ok := pr.GetPeer("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(10), fresh.BestHeight)
}

func TestPeersAtOrAboveHeight(t *testing.T) {
	pr := NewPeerRegistry()
	pr.AddPeer("low", 10)
	pr.AddPeer("high", 100)
	pr.AddPeer("banned", 100)
	pr.UpdateBanStatus("banned", 200, true)

	peers := pr.PeersAtOrAboveHeight(50)
	require.Len(t, peers, 1)
	assert.Equal(t, PeerID("high"), peers[0])

	assert.Len(t, pr.PeersAtOrAboveHeight(5), 2)
}

func TestRecordFailure(t *testing.T) {
	pr := NewPeerRegistry()
	pr.AddPeer("alice", 10)

	assert.Equal(t, 1, pr.RecordFailure("alice"))
	assert.Equal(t, 2, pr.RecordFailure("alice"))
	assert.Equal(t, 0, pr.RecordFailure("ghost"))
}

type banRecorder struct {
	ch chan PeerID
}

func (r *banRecorder) OnPeerBanned(peer PeerID, _ time.Time, _ string) {
	r.ch <- peer
}

func TestBanManagerThreshold(t *testing.T) {
	tSettings := settings.NewTestSettings()
	tSettings.P2P.BanThreshold = 100

	recorder := &banRecorder{ch: make(chan PeerID, 1)}
	m := NewPeerBanManager(ulogger.NewErrorTestLogger(t), tSettings, recorder)

	score, banned := m.AddScore("alice", 40, ReasonSpam)
	assert.Equal(t, 40, score)
	assert.False(t, banned)
	assert.False(t, m.IsBanned("alice"))

	score, banned = m.AddScore("alice", 60, ReasonConsensusViolation)
	assert.Equal(t, 100, score)
	assert.True(t, banned)
	assert.True(t, m.IsBanned("alice"))

	select {
	case peer := <-recorder.ch:
		assert.Equal(t, PeerID("alice"), peer)
	case <-time.After(time.Second):
		t.Fatal("ban handler was not notified")
	}
}

func TestBanExpiresLazily(t *testing.T) {
	tSettings := settings.NewTestSettings()
	tSettings.P2P.BanThreshold = 10
	tSettings.P2P.BanDuration = time.Millisecond

	m := NewPeerBanManager(ulogger.NewErrorTestLogger(t), tSettings, nil)

	_, banned := m.AddScore("alice", 10, ReasonSpam)
	require.True(t, banned)

	time.Sleep(5 * time.Millisecond)
	assert.False(t, m.IsBanned("alice"))

	// The next score update resets the expired ban.
	score, banned := m.AddScore("alice", 1, ReasonSpam)
	assert.Equal(t, 1, score)
	assert.False(t, banned)
}

func TestForgetKeepsBannedPeers(t *testing.T) {
	tSettings := settings.NewTestSettings()
	tSettings.P2P.BanThreshold = 10

	m := NewPeerBanManager(ulogger.NewErrorTestLogger(t), tSettings, nil)

	m.AddScore("clean", 5, ReasonSpam)
	m.Forget("clean")
	score, _, _ := m.GetBanScore("clean")
	assert.Equal(t, 0, score)

	m.AddScore("dirty", 10, ReasonSpam)
	m.Forget("dirty")
	assert.True(t, m.IsBanned("dirty"))
}

func TestLoopbackHubDelivery(t *testing.T) {
	hub := NewLoopbackHub()

	alice := hub.Join("alice", 10, 16)
	bob := hub.Join("bob", 20, 16)

	// Alice learns about bob connecting.
	ev := <-alice.Events()
	assert.Equal(t, EventPeerConnected, ev.Type)
	assert.Equal(t, PeerID("bob"), ev.Peer)
	assert.Equal(t, uint64(20), ev.BestHeight)

	msg := &GetBlocksMsg{}
	require.NoError(t, alice.Send(context.Background(), "bob", msg))

	ev = <-bob.Events()
	assert.Equal(t, EventMessageReceived, ev.Type)
	assert.Equal(t, PeerID("alice"), ev.Peer)
	assert.Same(t, msg, ev.Message)

	// Sending to an unknown peer fails.
	require.Error(t, alice.Send(context.Background(), "ghost", msg))
}

func TestLoopbackBroadcastExcludes(t *testing.T) {
	hub := NewLoopbackHub()

	alice := hub.Join("alice", 0, 16)
	bob := hub.Join("bob", 0, 16)
	carol := hub.Join("carol", 0, 16)

	drain := func(tr *LoopbackTransport) {
		for {
			select {
			case <-tr.Events():
			default:
				return
			}
		}
	}
	drain(alice)
	drain(bob)
	drain(carol)

	require.NoError(t, alice.Broadcast(context.Background(), &HeadersMsg{}, "bob"))

	select {
	case ev := <-carol.Events():
		assert.Equal(t, EventMessageReceived, ev.Type)
	default:
		t.Fatal("carol should have received the broadcast")
	}

	select {
	case <-bob.Events():
		t.Fatal("bob was excluded from the broadcast")
	default:
	}
}

func TestLoopbackLeaveAnnouncesDisconnect(t *testing.T) {
	hub := NewLoopbackHub()

	alice := hub.Join("alice", 0, 16)
	_ = hub.Join("bob", 0, 16)

	<-alice.Events() // bob connected

	hub.Leave("bob")

	ev := <-alice.Events()
	assert.Equal(t, EventPeerDisconnected, ev.Type)
	assert.Equal(t, PeerID("bob"), ev.Peer)
}
