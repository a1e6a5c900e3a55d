// Package downloader schedules block body downloads against per-peer and
// global in-flight limits, and retries timed-out requests on other peers.
package downloader

import (
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/services/p2p"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// request is an in-flight block body download.
type request struct {
	hash     chainhash.Hash
	peer     p2p.PeerID
	sentAt   time.Time
	attempts int
	tried    map[p2p.PeerID]struct{}
}

// TimedOut describes a request that exceeded the request timeout. When
// GivenUp is set the retry limit is exhausted and the hash was dropped from
// the scheduler.
type TimedOut struct {
	Hash     chainhash.Hash
	Peer     p2p.PeerID
	Attempts int
	GivenUp  bool
}

type Scheduler struct {
	logger   ulogger.Logger
	settings *settings.Settings

	mu       sync.Mutex
	inFlight map[chainhash.Hash]*request
	perPeer  map[p2p.PeerID]int

	// pending holds expired requests waiting to be rescheduled, keeping
	// their attempt count and the peers already tried.
	pending map[chainhash.Hash]*request
}

func New(logger ulogger.Logger, tSettings *settings.Settings) *Scheduler {
	initPrometheusMetrics()

	return &Scheduler{
		logger:   logger.New("dlsched"),
		settings: tSettings,
		inFlight: make(map[chainhash.Hash]*request),
		perPeer:  make(map[p2p.PeerID]int),
		pending:  make(map[chainhash.Hash]*request),
	}
}

// Schedule assigns the block to one of the candidate peers, skipping peers
// that are at capacity or already failed this hash. It returns false when the
// block is already in flight or no candidate has capacity.
func (s *Scheduler) Schedule(hash *chainhash.Hash, candidates []p2p.PeerID) (p2p.PeerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[*hash]; ok {
		return "", false
	}

	if len(s.inFlight) >= s.settings.Downloader.MaxInFlightTotal {
		return "", false
	}

	req, retrying := s.pending[*hash]
	if !retrying {
		req = &request{
			hash:  *hash,
			tried: make(map[p2p.PeerID]struct{}),
		}
	}

	for _, peer := range candidates {
		if _, failed := req.tried[peer]; failed {
			continue
		}
		if s.perPeer[peer] >= s.settings.Downloader.MaxInFlightPerPeer {
			continue
		}

		delete(s.pending, *hash)

		req.peer = peer
		req.sentAt = time.Now()
		req.attempts++

		s.inFlight[*hash] = req
		s.perPeer[peer]++

		prometheusDownloaderInFlight.Set(float64(len(s.inFlight)))

		return peer, true
	}

	return "", false
}

// MarkReceived clears the in-flight entry for a delivered block and returns
// the peer it was assigned to.
func (s *Scheduler) MarkReceived(hash *chainhash.Hash) (p2p.PeerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.inFlight[*hash]
	if !ok {
		delete(s.pending, *hash)
		return "", false
	}

	s.release(req)
	delete(s.pending, *hash)

	return req.peer, true
}

// ExpireTimeouts sweeps requests older than the request timeout. Expired
// requests under the retry limit move to the pending set, remembering the
// peer that failed; the rest are dropped and reported with GivenUp set.
func (s *Scheduler) ExpireTimeouts(now time.Time) []TimedOut {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []TimedOut

	for hash, req := range s.inFlight {
		if now.Sub(req.sentAt) < s.settings.Downloader.RequestTimeout {
			continue
		}

		s.release(req)
		req.tried[req.peer] = struct{}{}

		out := TimedOut{
			Hash:     hash,
			Peer:     req.peer,
			Attempts: req.attempts,
		}

		if req.attempts >= s.settings.Downloader.RetryLimit {
			out.GivenUp = true
			delete(s.pending, hash)
			prometheusDownloaderGivenUp.Inc()
			s.logger.Warnf("giving up on block %s after %d attempts", &hash, req.attempts)
		} else {
			s.pending[hash] = req
			prometheusDownloaderTimeouts.Inc()
			s.logger.Debugf("block %s timed out on peer %s (attempt %d)", &hash, req.peer, req.attempts)
		}

		expired = append(expired, out)
	}

	return expired
}

// CancelPeer drops every in-flight request assigned to a disconnecting peer
// and moves them to pending so they reschedule elsewhere. The disconnect does
// not count against the retry limit.
func (s *Scheduler) CancelPeer(peer p2p.PeerID) []chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []chainhash.Hash

	for hash, req := range s.inFlight {
		if req.peer != peer {
			continue
		}

		s.release(req)
		req.attempts--
		req.tried[peer] = struct{}{}
		s.pending[hash] = req

		cancelled = append(cancelled, hash)
	}

	return cancelled
}

// IsInFlight reports whether the block is currently requested or awaiting a
// retry.
func (s *Scheduler) IsInFlight(hash *chainhash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[*hash]; ok {
		return true
	}
	_, ok := s.pending[*hash]

	return ok
}

func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inFlight)
}

func (s *Scheduler) PeerLoad(peer p2p.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.perPeer[peer]
}

// release removes a request from the in-flight table. Callers hold the lock.
func (s *Scheduler) release(req *request) {
	delete(s.inFlight, req.hash)

	if s.perPeer[req.peer] <= 1 {
		delete(s.perPeer, req.peer)
	} else {
		s.perPeer[req.peer]--
	}

	prometheusDownloaderInFlight.Set(float64(len(s.inFlight)))
}
