package node

import (
	"context"

	"github.com/chanhsu001/ckb/services/p2p"
)

// scoringTransport wraps the real transport so every penalty feeds the ban
// manager before reaching the transport's own accounting.
type scoringTransport struct {
	inner    p2p.Transport
	bans     *p2p.PeerBanManager
	registry *p2p.PeerRegistry
}

var _ p2p.Transport = (*scoringTransport)(nil)

func (t *scoringTransport) Send(ctx context.Context, peer p2p.PeerID, msg p2p.Message) error {
	return t.inner.Send(ctx, peer, msg)
}

func (t *scoringTransport) Broadcast(ctx context.Context, msg p2p.Message, exclude ...p2p.PeerID) error {
	return t.inner.Broadcast(ctx, msg, exclude...)
}

func (t *scoringTransport) Penalize(peer p2p.PeerID, severity p2p.Severity, reason string) {
	score, banned := t.bans.AddScore(peer, int(severity), banReason(severity))
	t.registry.UpdateBanStatus(peer, score, banned)
	t.registry.RecordFailure(peer)

	t.inner.Penalize(peer, severity, reason)
}

func (t *scoringTransport) Disconnect(peer p2p.PeerID) {
	t.inner.Disconnect(peer)
}

func (t *scoringTransport) Events() <-chan p2p.Event {
	return t.inner.Events()
}

func banReason(severity p2p.Severity) p2p.BanReason {
	switch {
	case severity >= p2p.SeverityHigh:
		return p2p.ReasonConsensusViolation
	case severity >= p2p.SeverityMedium:
		return p2p.ReasonStalling
	default:
		return p2p.ReasonSpam
	}
}
