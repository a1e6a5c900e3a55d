// Package headerpool accepts headers from the network, connects them to the
// block tree and parks orphans until their parent shows up.
package headerpool

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/jellydator/ttlcache/v3"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
	"github.com/chanhsu001/ckb/settings"
	"github.com/chanhsu001/ckb/ulogger"
)

// Classification is the outcome of offering a header to the pool.
type Classification int

const (
	// HeaderDuplicate means the header is already in the tree.
	HeaderDuplicate Classification = iota

	// HeaderOrphan means the parent is unknown; the header is parked.
	HeaderOrphan

	// HeaderConnected means the header (and possibly parked descendants)
	// joined the tree.
	HeaderConnected

	// HeaderInvalid means the header failed its standalone checks.
	HeaderInvalid
)

func (c Classification) String() string {
	switch c {
	case HeaderDuplicate:
		return "duplicate"
	case HeaderOrphan:
		return "orphan"
	case HeaderConnected:
		return "connected"
	case HeaderInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type HeaderPool struct {
	logger ulogger.Logger
	chain  *chain.Chain

	// orphans parks headers keyed by the parent hash they are waiting for.
	// Entries expire on a TTL so an ancestor that never arrives cannot pin
	// memory forever.
	orphans *ttlcache.Cache[chainhash.Hash, []*model.BlockHeader]
}

func New(logger ulogger.Logger, tSettings *settings.Settings, c *chain.Chain) *HeaderPool {
	orphans := ttlcache.New[chainhash.Hash, []*model.BlockHeader](
		ttlcache.WithTTL[chainhash.Hash, []*model.BlockHeader](tSettings.HeaderPool.OrphanTTL),
		ttlcache.WithCapacity[chainhash.Hash, []*model.BlockHeader](uint64(tSettings.HeaderPool.MaxOrphanHeaders)),
	)

	go orphans.Start()

	return &HeaderPool{
		logger:  logger.New("hdrpool"),
		chain:   c,
		orphans: orphans,
	}
}

func (p *HeaderPool) Stop() {
	p.orphans.Stop()
}

// AddHeader offers a header to the pool. When the header connects, the
// returned nodes include it and every parked descendant promoted behind it,
// in ascending height order.
func (p *HeaderPool) AddHeader(header *model.BlockHeader) (Classification, []*chain.BlockNode, error) {
	tree := p.chain.Tree()

	if tree.Has(header.Hash()) {
		return HeaderDuplicate, nil, nil
	}

	if !header.ValidPow() {
		return HeaderInvalid, nil, errors.NewPowInvalidError("header %s fails proof of work", header.Hash())
	}

	if !tree.Has(header.ParentHash) {
		p.park(header)
		return HeaderOrphan, nil, nil
	}

	node := tree.AddHeader(header)
	if node == nil {
		// Lost a race with another connect; the header is in by now.
		return HeaderDuplicate, nil, nil
	}

	connected := []*chain.BlockNode{node}
	connected = append(connected, p.promote(header.Hash())...)

	return HeaderConnected, connected, nil
}

// park stores an orphan header under the parent it is waiting for.
func (p *HeaderPool) park(header *model.BlockHeader) {
	parent := *header.ParentHash

	var waiting []*model.BlockHeader
	if item := p.orphans.Get(parent); item != nil {
		waiting = item.Value()
	}

	for _, h := range waiting {
		if *h.Hash() == *header.Hash() {
			return
		}
	}

	p.orphans.Set(parent, append(waiting, header), ttlcache.DefaultTTL)
	p.logger.Debugf("parked orphan header %s waiting for %s", header.Hash(), header.ParentHash)
}

// promote connects every parked header chain hanging off the given hash.
func (p *HeaderPool) promote(parent *chainhash.Hash) []*chain.BlockNode {
	tree := p.chain.Tree()

	var connected []*chain.BlockNode

	pending := []chainhash.Hash{*parent}
	for len(pending) > 0 {
		key := pending[0]
		pending = pending[1:]

		item := p.orphans.Get(key)
		if item == nil {
			continue
		}
		p.orphans.Delete(key)

		for _, header := range item.Value() {
			node := tree.AddHeader(header)
			if node == nil {
				continue
			}

			p.logger.Debugf("promoted orphan header %s at height %d", header.Hash(), header.Height)
			connected = append(connected, node)
			pending = append(pending, *header.Hash())
		}
	}

	return connected
}

// OrphanCount reports how many parent hashes have parked headers.
func (p *HeaderPool) OrphanCount() int {
	return p.orphans.Len()
}

// MissingAncestors lists the parent hashes orphans are waiting for, so the
// sync handler can ask peers for them.
func (p *HeaderPool) MissingAncestors() []*chainhash.Hash {
	var missing []*chainhash.Hash

	for _, key := range p.orphans.Keys() {
		k := key
		missing = append(missing, &k)
	}

	return missing
}
