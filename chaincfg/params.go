package chaincfg

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
)

var (
	bigOne = big.NewInt(1)

	// mainPowLimit is the highest proof-of-work target a mainnet block may
	// declare: 2^224 - 1.
	mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)

	// testPowLimit is relaxed so test networks mine instantly: 2^252 - 1.
	testPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 252), bigOne)
)

// ProposalWindow is the inclusive range of ancestor heights whose proposals a
// block at height H may commit: [H-Farthest, H-Closest].
type ProposalWindow struct {
	Closest  uint64
	Farthest uint64
}

// Length returns the number of heights covered by the window.
func (w ProposalWindow) Length() uint64 {
	return w.Farthest - w.Closest + 1
}

// Params defines the consensus rules of a chain instance.
type Params struct {
	Name string

	// PowLimit is the highest permitted target, PowLimitBits its compact form.
	PowLimit     *big.Int
	PowLimitBits uint32

	// EpochLength is the number of blocks per difficulty-adjustment epoch.
	EpochLength uint16

	// TargetBlockTime is the desired average spacing between blocks.
	TargetBlockTime time.Duration

	// ProposalWindow bounds two-step transaction confirmation.
	ProposalWindow ProposalWindow

	// MaxUncleDepth is how far back an uncle may share an ancestor with the
	// block embedding it; MaxUnclesNum caps uncles per block.
	MaxUncleDepth uint64
	MaxUnclesNum  int

	// MedianTimeBlockCount is the number of ancestors considered by the
	// timestamp median rule.
	MedianTimeBlockCount int

	// MaxFutureBlockTime is how far ahead of local time a timestamp may be.
	MaxFutureBlockTime time.Duration

	MaxBlockBytes     uint64
	MaxBlockCycles    uint64
	MaxBlockProposals int

	// CellbaseMaturity is the number of blocks before a reward is spendable.
	CellbaseMaturity uint64

	// InitialReward is the cellbase subsidy before any halving.
	InitialReward uint64

	genesisOnce  sync.Once
	genesisBlock *model.Block
}

// GenesisBlock builds the genesis block for these params. The block is
// constructed programmatically so its roots always match its content.
func (p *Params) GenesisBlock() *model.Block {
	p.genesisOnce.Do(func() {
		cellbase := model.NewCellbase(0, p.InitialReward, chainhash.Hash{})

		header := &model.BlockHeader{
			Version:       0,
			ParentHash:    &chainhash.Hash{},
			Height:        0,
			Timestamp:     1573852190812, // chain launch, fixed
			CompactTarget: p.PowLimitBits,
			Nonce:         0,
			Epoch:         model.NewEpoch(0, 0, p.EpochLength),
		}

		block := model.NewBlock(header, []*model.Transaction{cellbase}, nil, nil)
		header.TransactionsRoot = block.CalcTransactionsRoot()
		header.ProposalsRoot = block.CalcProposalsRoot()
		header.UnclesHash = block.CalcUnclesHash()

		p.genesisBlock = block
	})

	return p.genesisBlock
}

// GenesisHash returns the identity of the genesis block.
func (p *Params) GenesisHash() *chainhash.Hash {
	return p.GenesisBlock().Hash()
}

// MainNetParams defines the production network.
var MainNetParams = Params{
	Name:                 "mainnet",
	PowLimit:             mainPowLimit,
	PowLimitBits:         0x1d00ffff,
	EpochLength:          1800,
	TargetBlockTime:      8 * time.Second,
	ProposalWindow:       ProposalWindow{Closest: 2, Farthest: 10},
	MaxUncleDepth:        6,
	MaxUnclesNum:         2,
	MedianTimeBlockCount: 37,
	MaxFutureBlockTime:   15 * time.Second,
	MaxBlockBytes:        597_000,
	MaxBlockCycles:       3_500_000_000,
	MaxBlockProposals:    1_500,
	CellbaseMaturity:     100,
	InitialReward:        191_780_821_917_808,
}

// TestNetParams relaxes the pow limit so integration environments mine
// without dedicated hardware.
var TestNetParams = Params{
	Name:                 "testnet",
	PowLimit:             testPowLimit,
	PowLimitBits:         0x1f7fffff,
	EpochLength:          1800,
	TargetBlockTime:      8 * time.Second,
	ProposalWindow:       ProposalWindow{Closest: 2, Farthest: 10},
	MaxUncleDepth:        6,
	MaxUnclesNum:         2,
	MedianTimeBlockCount: 37,
	MaxFutureBlockTime:   15 * time.Second,
	MaxBlockBytes:        597_000,
	MaxBlockCycles:       3_500_000_000,
	MaxBlockProposals:    1_500,
	CellbaseMaturity:     100,
	InitialReward:        191_780_821_917_808,
}

// RegressionParams is for unit tests: tiny epochs and a short proposal
// window keep fixtures small.
var RegressionParams = Params{
	Name:                 "regtest",
	PowLimit:             testPowLimit,
	PowLimitBits:         0x1f7fffff,
	EpochLength:          10,
	TargetBlockTime:      time.Second,
	ProposalWindow:       ProposalWindow{Closest: 2, Farthest: 10},
	MaxUncleDepth:        6,
	MaxUnclesNum:         2,
	MedianTimeBlockCount: 11,
	MaxFutureBlockTime:   15 * time.Second,
	MaxBlockBytes:        597_000,
	MaxBlockCycles:       3_500_000_000,
	MaxBlockProposals:    1_500,
	CellbaseMaturity:     10,
	InitialReward:        191_780_821_917_808,
}

// GetChainParams resolves a network name to its params.
func GetChainParams(network string) (*Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet":
		return &MainNetParams, nil
	case "testnet":
		return &TestNetParams, nil
	case "regtest", "regression":
		return &RegressionParams, nil
	default:
		return nil, errors.NewConfigurationError("unknown network %q", network)
	}
}
