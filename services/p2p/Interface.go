package p2p

import (
	"context"
)

// PeerID identifies a connected peer for the lifetime of its session.
type PeerID string

type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerDisconnected
	EventMessageReceived
)

// Event is delivered by the transport for every connection change and
// inbound message.
type Event struct {
	Type    EventType
	Peer    PeerID
	Message Message

	// BestHeight is the peer's advertised chain height, set on connect.
	BestHeight uint64
}

// Severity grades a penalty; the transport's scoring decides when the
// accumulated score crosses the ban threshold.
type Severity int

const (
	SeverityLow    Severity = 10
	SeverityMedium Severity = 30
	SeverityHigh   Severity = 100
)

// Transport is the peer-transport collaborator. Encoding, encryption and
// connection management live behind it; this node core only sends, broadcasts
// and scores.
type Transport interface {
	Send(ctx context.Context, peer PeerID, msg Message) error
	Broadcast(ctx context.Context, msg Message, exclude ...PeerID) error
	Penalize(peer PeerID, severity Severity, reason string)
	Disconnect(peer PeerID)
	Events() <-chan Event
}
