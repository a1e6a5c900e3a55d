package p2p

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/model"
)

// The protocol message set is fixed and finite: a closed tagged union
// dispatched by a single switch per handler, never by open handler
// registration.

type Message interface {
	Command() string
}

// GetHeadersMsg requests headers following the best locator match, up to an
// optional stop hash.
type GetHeadersMsg struct {
	Locator  []*chainhash.Hash
	StopHash *chainhash.Hash
}

func (*GetHeadersMsg) Command() string { return "getheaders" }

// HeadersMsg answers GetHeadersMsg with an ascending batch of headers.
type HeadersMsg struct {
	Headers []*model.BlockHeader
}

func (*HeadersMsg) Command() string { return "headers" }

// GetBlocksMsg requests full block bodies by hash.
type GetBlocksMsg struct {
	Hashes []*chainhash.Hash
}

func (*GetBlocksMsg) Command() string { return "getblocks" }

// BlockMsg carries a full block body.
type BlockMsg struct {
	Block *model.Block
}

func (*BlockMsg) Command() string { return "block" }

// RelayTransactionMsg announces or carries a transaction.
type RelayTransactionMsg struct {
	Tx *model.Transaction
}

func (*RelayTransactionMsg) Command() string { return "relaytx" }

// RelayBlockMsg announces a new block in compact form.
type RelayBlockMsg struct {
	Compact *model.CompactBlock
}

func (*RelayBlockMsg) Command() string { return "relayblock" }

// GetBlockTransactionsMsg requests the transactions behind short IDs the
// receiver could not reconstruct.
type GetBlockTransactionsMsg struct {
	BlockHash *chainhash.Hash
	ShortIDs  []uint64
}

func (*GetBlockTransactionsMsg) Command() string { return "getblocktxs" }

// BlockTransactionsMsg answers GetBlockTransactionsMsg.
type BlockTransactionsMsg struct {
	BlockHash    *chainhash.Hash
	Transactions []*model.Transaction
}

func (*BlockTransactionsMsg) Command() string { return "blocktxs" }
