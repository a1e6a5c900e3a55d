package chaincfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetChainParams(t *testing.T) {
	main, err := GetChainParams("")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", main.Name)

	reg, err := GetChainParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, "regtest", reg.Name)

	_, err = GetChainParams("nonsense")
	require.Error(t, err)
}

func TestGenesisBlockIsSelfConsistent(t *testing.T) {
	genesis := RegressionParams.GenesisBlock()

	assert.Equal(t, uint64(0), genesis.Height())
	require.Len(t, genesis.Transactions, 1)
	assert.True(t, genesis.Transactions[0].IsCellbase())

	assert.Equal(t, genesis.Header.TransactionsRoot, genesis.CalcTransactionsRoot())
	assert.Equal(t, genesis.Header.ProposalsRoot, genesis.CalcProposalsRoot())
	assert.Equal(t, genesis.Header.UnclesHash, genesis.CalcUnclesHash())

	assert.Equal(t, uint64(0), genesis.Header.Epoch.Number())
	assert.Equal(t, uint16(0), genesis.Header.Epoch.Index())
}

func TestGenesisHashIsStable(t *testing.T) {
	assert.Equal(t, RegressionParams.GenesisHash(), RegressionParams.GenesisBlock().Hash())
	assert.NotEqual(t, RegressionParams.GenesisHash(), MainNetParams.GenesisHash())
}

func TestProposalWindowLength(t *testing.T) {
	w := ProposalWindow{Closest: 2, Farthest: 10}
	assert.Equal(t, uint64(9), w.Length())
}
