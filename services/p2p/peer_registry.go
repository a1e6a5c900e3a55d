package p2p

import (
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// PeerInfo is a snapshot of what we know about a peer.
type PeerInfo struct {
	ID              PeerID
	BestHeight      uint64
	BestHash        *chainhash.Hash
	ConnectedAt     time.Time
	LastMessageTime time.Time
	FailureCount    int
	BanScore        int
	IsBanned        bool
}

// PeerRegistry maintains peer information.
// This is a pure data store with no business logic.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[PeerID]*PeerInfo
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[PeerID]*PeerInfo),
	}
}

// AddPeer adds or updates a peer.
func (pr *PeerRegistry) AddPeer(id PeerID, bestHeight uint64) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if _, exists := pr.peers[id]; !exists {
		now := time.Now()
		pr.peers[id] = &PeerInfo{
			ID:              id,
			BestHeight:      bestHeight,
			ConnectedAt:     now,
			LastMessageTime: now,
		}
	} else if bestHeight > 0 {
		pr.peers[id].BestHeight = bestHeight
	}
}

func (pr *PeerRegistry) RemovePeer(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	delete(pr.peers, id)
}

// GetPeer returns a copy of the peer info to prevent external modification.
func (pr *PeerRegistry) GetPeer(id PeerID) (*PeerInfo, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	info, exists := pr.peers[id]
	if !exists {
		return nil, false
	}

	cp := *info
	return &cp, true
}

func (pr *PeerRegistry) GetAllPeers() []*PeerInfo {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]*PeerInfo, 0, len(pr.peers))
	for _, info := range pr.peers {
		cp := *info
		result = append(result, &cp)
	}
	return result
}

// UpdateHeight records a peer's advertised best header.
func (pr *PeerRegistry) UpdateHeight(id PeerID, height uint64, blockHash *chainhash.Hash) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.BestHeight = height
		info.BestHash = blockHash
	}
}

// TouchMessage records inbound activity, used by idle-timeout checks.
func (pr *PeerRegistry) TouchMessage(id PeerID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.LastMessageTime = time.Now()
	}
}

// RecordFailure increments a peer's failure counter and returns the new value.
func (pr *PeerRegistry) RecordFailure(id PeerID) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.FailureCount++
		return info.FailureCount
	}
	return 0
}

// UpdateBanStatus updates a peer's ban score and status.
func (pr *PeerRegistry) UpdateBanStatus(id PeerID, score int, banned bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if info, exists := pr.peers[id]; exists {
		info.BanScore = score
		info.IsBanned = banned
	}
}

// PeersAtOrAboveHeight returns peers advertising a height >= the given one,
// excluding banned peers. The downloader only asks peers that have announced
// a superset of the chain it wants.
func (pr *PeerRegistry) PeersAtOrAboveHeight(height uint64) []PeerID {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]PeerID, 0, len(pr.peers))
	for id, info := range pr.peers {
		if !info.IsBanned && info.BestHeight >= height {
			result = append(result, id)
		}
	}
	return result
}

// Count returns the number of tracked peers.
func (pr *PeerRegistry) Count() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.peers)
}
