package p2p

import (
	"context"
	"sync"

	"github.com/chanhsu001/ckb/errors"
)

// LoopbackHub connects LoopbackTransport endpoints in process. It stands in
// for the real peer transport in tests and single-process simulations.
type LoopbackHub struct {
	mu        sync.RWMutex
	endpoints map[PeerID]*LoopbackTransport
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{
		endpoints: make(map[PeerID]*LoopbackTransport),
	}
}

// Join creates an endpoint for the given peer and announces its connection to
// every other endpoint.
func (h *LoopbackHub) Join(id PeerID, bestHeight uint64, queueLen int) *LoopbackTransport {
	t := &LoopbackTransport{
		hub:    h,
		id:     id,
		events: make(chan Event, queueLen),
	}

	h.mu.Lock()
	for otherID, other := range h.endpoints {
		other.deliver(Event{Type: EventPeerConnected, Peer: id, BestHeight: bestHeight})
		t.deliver(Event{Type: EventPeerConnected, Peer: otherID})
	}
	h.endpoints[id] = t
	h.mu.Unlock()

	return t
}

// Leave removes an endpoint and announces the disconnect.
func (h *LoopbackHub) Leave(id PeerID) {
	h.mu.Lock()
	delete(h.endpoints, id)
	for _, other := range h.endpoints {
		other.deliver(Event{Type: EventPeerDisconnected, Peer: id})
	}
	h.mu.Unlock()
}

type penalty struct {
	Peer     PeerID
	Severity Severity
	Reason   string
}

// LoopbackTransport is an in-process Transport endpoint.
type LoopbackTransport struct {
	hub    *LoopbackHub
	id     PeerID
	events chan Event

	mu        sync.Mutex
	penalties []penalty
}

var _ Transport = (*LoopbackTransport)(nil)

func (t *LoopbackTransport) Send(_ context.Context, peer PeerID, msg Message) error {
	t.hub.mu.RLock()
	target, ok := t.hub.endpoints[peer]
	t.hub.mu.RUnlock()

	if !ok {
		return errors.NewNotFoundError("peer %s not connected", peer)
	}

	target.deliver(Event{Type: EventMessageReceived, Peer: t.id, Message: msg})

	return nil
}

func (t *LoopbackTransport) Broadcast(_ context.Context, msg Message, exclude ...PeerID) error {
	skip := make(map[PeerID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()

	for id, target := range t.hub.endpoints {
		if id == t.id {
			continue
		}
		if _, excluded := skip[id]; excluded {
			continue
		}

		target.deliver(Event{Type: EventMessageReceived, Peer: t.id, Message: msg})
	}

	return nil
}

func (t *LoopbackTransport) Penalize(peer PeerID, severity Severity, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.penalties = append(t.penalties, penalty{Peer: peer, Severity: severity, Reason: reason})
}

// Penalties returns the penalties recorded so far, for test assertions.
func (t *LoopbackTransport) Penalties(peer PeerID) []Severity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Severity
	for _, p := range t.penalties {
		if p.Peer == peer {
			result = append(result, p.Severity)
		}
	}
	return result
}

func (t *LoopbackTransport) Disconnect(peer PeerID) {
	// loopback peers are only removed through the hub
}

func (t *LoopbackTransport) Events() <-chan Event {
	return t.events
}

func (t *LoopbackTransport) deliver(ev Event) {
	select {
	case t.events <- ev:
	default:
		// queue full, drop; the loopback transport never blocks a sender
	}
}
