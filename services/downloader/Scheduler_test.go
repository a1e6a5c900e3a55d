package downloader_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanhsu001/ckb/services/downloader"
	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

func newScheduler(t *testing.T) (*downloader.Scheduler, *settings.Settings) {
	t.Helper()

	tSettings := settings.NewTestSettings()

	return downloader.New(ulogger.NewErrorTestLogger(t), tSettings), tSettings
}

func hashN(n byte) *chainhash.Hash {
	h := &chainhash.Hash{}
	h[0] = n

	return h
}

func TestScheduleAndReceive(t *testing.T) {
	s, _ := newScheduler(t)

	peers := []p2p.PeerID{"alice", "bob"}

	peer, ok := s.Schedule(hashN(1), peers)
	require.True(t, ok)
	assert.Equal(t, p2p.PeerID("alice"), peer)
	assert.True(t, s.IsInFlight(hashN(1)))
	assert.Equal(t, 1, s.PeerLoad("alice"))

	// Re-scheduling an in-flight hash is a no-op.
	_, ok = s.Schedule(hashN(1), peers)
	assert.False(t, ok)

	got, ok := s.MarkReceived(hashN(1))
	require.True(t, ok)
	assert.Equal(t, p2p.PeerID("alice"), got)
	assert.False(t, s.IsInFlight(hashN(1)))
	assert.Equal(t, 0, s.PeerLoad("alice"))
}

func TestPerPeerCap(t *testing.T) {
	s, tSettings := newScheduler(t)
	tSettings.Downloader.MaxInFlightPerPeer = 2

	peers := []p2p.PeerID{"alice"}

	_, ok := s.Schedule(hashN(1), peers)
	require.True(t, ok)
	_, ok = s.Schedule(hashN(2), peers)
	require.True(t, ok)

	// Alice is full; with no other candidate the block stays unscheduled.
	_, ok = s.Schedule(hashN(3), peers)
	assert.False(t, ok)

	// A second peer picks up the overflow.
	peer, ok := s.Schedule(hashN(3), []p2p.PeerID{"alice", "bob"})
	require.True(t, ok)
	assert.Equal(t, p2p.PeerID("bob"), peer)
}

func TestGlobalCap(t *testing.T) {
	s, tSettings := newScheduler(t)
	tSettings.Downloader.MaxInFlightTotal = 3
	tSettings.Downloader.MaxInFlightPerPeer = 10

	peers := []p2p.PeerID{"alice"}

	for i := byte(1); i <= 3; i++ {
		_, ok := s.Schedule(hashN(i), peers)
		require.True(t, ok)
	}

	_, ok := s.Schedule(hashN(4), peers)
	assert.False(t, ok)
	assert.Equal(t, 3, s.InFlightCount())
}

func TestTimeoutMovesToAnotherPeer(t *testing.T) {
	s, tSettings := newScheduler(t)

	peer, ok := s.Schedule(hashN(1), []p2p.PeerID{"alice", "bob"})
	require.True(t, ok)
	require.Equal(t, p2p.PeerID("alice"), peer)

	expired := s.ExpireTimeouts(time.Now().Add(tSettings.Downloader.RequestTimeout + time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, p2p.PeerID("alice"), expired[0].Peer)
	assert.Equal(t, 1, expired[0].Attempts)
	assert.False(t, expired[0].GivenUp)

	// The hash is still tracked while it waits for a retry.
	assert.True(t, s.IsInFlight(hashN(1)))

	// The retry must skip the peer that already failed.
	peer, ok = s.Schedule(hashN(1), []p2p.PeerID{"alice", "bob"})
	require.True(t, ok)
	assert.Equal(t, p2p.PeerID("bob"), peer)
}

func TestGivesUpAfterRetryLimit(t *testing.T) {
	s, tSettings := newScheduler(t)
	tSettings.Downloader.RetryLimit = 3

	deadline := tSettings.Downloader.RequestTimeout + time.Second

	for i := 0; i < 3; i++ {
		peer := p2p.PeerID(fmt.Sprintf("peer-%d", i))

		got, ok := s.Schedule(hashN(1), []p2p.PeerID{peer})
		require.True(t, ok, "attempt %d should schedule", i+1)
		require.Equal(t, peer, got)

		expired := s.ExpireTimeouts(time.Now().Add(deadline))
		require.Len(t, expired, 1)

		if i < 2 {
			assert.False(t, expired[0].GivenUp)
		} else {
			assert.True(t, expired[0].GivenUp)
			assert.Equal(t, 3, expired[0].Attempts)
		}
	}

	assert.False(t, s.IsInFlight(hashN(1)))
}

func TestCancelPeerReschedules(t *testing.T) {
	s, _ := newScheduler(t)

	_, ok := s.Schedule(hashN(1), []p2p.PeerID{"alice"})
	require.True(t, ok)
	_, ok = s.Schedule(hashN(2), []p2p.PeerID{"alice"})
	require.True(t, ok)
	_, ok = s.Schedule(hashN(3), []p2p.PeerID{"bob"})
	require.True(t, ok)

	cancelled := s.CancelPeer("alice")
	assert.Len(t, cancelled, 2)
	assert.Equal(t, 1, s.InFlightCount())
	assert.Equal(t, 0, s.PeerLoad("alice"))

	// Cancelled blocks reschedule elsewhere without burning an attempt,
	// and never back onto the dead peer.
	for _, hash := range cancelled {
		h := hash
		peer, ok := s.Schedule(&h, []p2p.PeerID{"alice", "carol"})
		require.True(t, ok)
		assert.Equal(t, p2p.PeerID("carol"), peer)
	}
}
