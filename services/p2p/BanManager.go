package p2p

import (
	"sync"
	"time"

	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// BanReason is an enum for ban reasons.
type BanReason int

const (
	ReasonUnknown BanReason = iota
	ReasonMalformedData
	ReasonConsensusViolation
	ReasonSpam
	ReasonStalling
)

func (r BanReason) String() string {
	switch r {
	case ReasonMalformedData:
		return "malformed_data"
	case ReasonConsensusViolation:
		return "consensus_violation"
	case ReasonSpam:
		return "spam"
	case ReasonStalling:
		return "stalling"
	default:
		return "unknown"
	}
}

// BanScore holds the accumulated score and ban status for a peer. When the
// score crosses the configured threshold the peer is banned for the
// configured duration.
type BanScore struct {
	Score      int
	Banned     bool
	BanUntil   time.Time
	LastUpdate time.Time
}

// BanEventHandler is notified when a peer crosses the ban threshold, so the
// transport can disconnect it.
type BanEventHandler interface {
	OnPeerBanned(peer PeerID, until time.Time, reason string)
}

// PeerBanManager tracks peer scores and enforces temporary bans. All
// operations are safe for concurrent use.
type PeerBanManager struct {
	mu           sync.RWMutex
	logger       ulogger.Logger
	scores       map[PeerID]*BanScore
	banThreshold int
	banDuration  time.Duration
	handler      BanEventHandler
}

func NewPeerBanManager(logger ulogger.Logger, tSettings *settings.Settings, handler BanEventHandler) *PeerBanManager {
	banThreshold := tSettings.P2P.BanThreshold
	if banThreshold <= 0 {
		banThreshold = 100
	}

	banDuration := tSettings.P2P.BanDuration
	if banDuration <= 0 {
		banDuration = 24 * time.Hour
	}

	return &PeerBanManager{
		logger:       logger,
		scores:       make(map[PeerID]*BanScore),
		banThreshold: banThreshold,
		banDuration:  banDuration,
		handler:      handler,
	}
}

// AddScore adds points to a peer's ban score and returns the new score and
// whether the peer is now banned.
func (m *PeerBanManager) AddScore(peer PeerID, points int, reason BanReason) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.scores[peer]
	if !ok {
		entry = &BanScore{}
		m.scores[peer] = entry
	}

	// Expired bans are lifted lazily on the next score update.
	if entry.Banned && time.Now().After(entry.BanUntil) {
		entry.Banned = false
		entry.Score = 0
	}

	entry.Score += points
	entry.LastUpdate = time.Now()

	if !entry.Banned && entry.Score >= m.banThreshold {
		entry.Banned = true
		entry.BanUntil = time.Now().Add(m.banDuration)

		m.logger.Warnf("[BanManager] banning peer %s until %s (score %d, reason %s)",
			peer, entry.BanUntil.Format(time.RFC3339), entry.Score, reason)

		if m.handler != nil {
			go m.handler.OnPeerBanned(peer, entry.BanUntil, reason.String())
		}
	}

	return entry.Score, entry.Banned
}

// IsBanned checks whether a peer is currently banned.
func (m *PeerBanManager) IsBanned(peer PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.scores[peer]
	if !ok {
		return false
	}

	return entry.Banned && time.Now().Before(entry.BanUntil)
}

// GetBanScore returns the current score and ban status for a peer.
func (m *PeerBanManager) GetBanScore(peer PeerID) (int, bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.scores[peer]
	if !ok {
		return 0, false, time.Time{}
	}

	return entry.Score, entry.Banned, entry.BanUntil
}

// Forget discards all state for a disconnecting peer that is not banned.
func (m *PeerBanManager) Forget(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.scores[peer]; ok && !entry.Banned {
		delete(m.scores, peer)
	}
}
