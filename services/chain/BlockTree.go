package chain

import (
	"math/big"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/model"
)

// BlockStatus tracks how far a block has progressed through import.
type BlockStatus int

const (
	// StatusHeaderOnly means the header connected and passed header checks,
	// but we have not seen the body yet.
	StatusHeaderOnly BlockStatus = iota

	// StatusBodyPending means the body arrived and is queued for, or in,
	// full verification.
	StatusBodyPending

	// StatusVerified means the block passed full verification and is a
	// fork-choice candidate.
	StatusVerified

	// StatusInvalid means the block failed verification. Invalid status is
	// sticky and poisons all descendants.
	StatusInvalid
)

func (s BlockStatus) String() string {
	switch s {
	case StatusHeaderOnly:
		return "header-only"
	case StatusBodyPending:
		return "body-pending"
	case StatusVerified:
		return "verified"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// BlockNode is a single entry in the block tree. Nodes are created when a
// header connects and never removed, so pointers handed out stay valid.
type BlockNode struct {
	Header *model.BlockHeader
	Parent *BlockNode

	// CumulativeWork is the total chain work up to and including this block.
	CumulativeWork *big.Int

	// Sequence orders nodes by verification time. The tie-break on equal
	// cumulative work keeps the earlier sequence.
	Sequence uint64

	Status BlockStatus
}

func (n *BlockNode) Hash() *chainhash.Hash {
	return n.Header.Hash()
}

func (n *BlockNode) Height() uint64 {
	return n.Header.Height
}

// Ancestor walks back to the node at the given height, or nil if height is
// above this node.
func (n *BlockNode) Ancestor(height uint64) *BlockNode {
	if height > n.Header.Height {
		return nil
	}

	node := n
	for node != nil && node.Header.Height != height {
		node = node.Parent
	}

	return node
}

// BlockTree is the in-memory index of every block whose header connected to
// the tree, across all forks. A single tree is shared by the chain state
// machine and the verification pipeline; all access goes through its lock.
type BlockTree struct {
	mu      sync.RWMutex
	nodes   map[chainhash.Hash]*BlockNode
	nextSeq uint64
}

func NewBlockTree(genesis *model.BlockHeader) *BlockTree {
	genesisNode := &BlockNode{
		Header:         genesis,
		Parent:         nil,
		CumulativeWork: model.CalcWork(genesis.CompactTarget),
		Sequence:       0,
		Status:         StatusVerified,
	}

	return &BlockTree{
		nodes: map[chainhash.Hash]*BlockNode{
			*genesis.Hash(): genesisNode,
		},
		nextSeq: 1,
	}
}

// AddHeader connects a header under its parent and derives cumulative work.
// It returns the existing node unchanged if the header is already present,
// and nil if the parent is unknown.
func (t *BlockTree) AddHeader(header *model.BlockHeader) *BlockNode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if node, ok := t.nodes[*header.Hash()]; ok {
		return node
	}

	parent, ok := t.nodes[*header.ParentHash]
	if !ok {
		return nil
	}

	node := &BlockNode{
		Header:         header,
		Parent:         parent,
		CumulativeWork: new(big.Int).Add(parent.CumulativeWork, model.CalcWork(header.CompactTarget)),
		Status:         StatusHeaderOnly,
	}

	if parent.Status == StatusInvalid {
		node.Status = StatusInvalid
	}

	t.nodes[*header.Hash()] = node

	return node
}

func (t *BlockTree) Get(hash *chainhash.Hash) *BlockNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nodes[*hash]
}

func (t *BlockTree) Has(hash *chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.nodes[*hash]
	return ok
}

// SetStatus transitions a node. Marking a node verified stamps its sequence
// number; marking it invalid poisons every descendant already in the tree.
func (t *BlockTree) SetStatus(hash *chainhash.Hash, status BlockStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[*hash]
	if !ok {
		return
	}

	node.Status = status

	switch status {
	case StatusVerified:
		node.Sequence = t.nextSeq
		t.nextSeq++
	case StatusInvalid:
		t.poisonDescendants(node)
	}
}

func (t *BlockTree) poisonDescendants(root *BlockNode) {
	for _, node := range t.nodes {
		if node.Status == StatusInvalid {
			continue
		}

		for p := node.Parent; p != nil; p = p.Parent {
			if p == root {
				node.Status = StatusInvalid
				break
			}
			if p.Header.Height <= root.Header.Height {
				break
			}
		}
	}
}

// CommonAncestor returns the highest node on both branches. Both nodes must
// belong to this tree, so the walk always terminates at genesis.
func CommonAncestor(a, b *BlockNode) *BlockNode {
	for a.Header.Height > b.Header.Height {
		a = a.Parent
	}
	for b.Header.Height > a.Header.Height {
		b = b.Parent
	}
	for a != b {
		a = a.Parent
		b = b.Parent
	}

	return a
}

// PathBetween returns the nodes strictly after the ancestor up to and
// including the descendant, ordered by ascending height.
func PathBetween(ancestor, descendant *BlockNode) []*BlockNode {
	if ancestor == descendant {
		return nil
	}

	var path []*BlockNode
	for node := descendant; node != ancestor; node = node.Parent {
		path = append(path, node)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path
}

func (t *BlockTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.nodes)
}
