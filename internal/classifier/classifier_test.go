package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

const btc = int64(1e8)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfig(100.0, "")
	require.NoError(t, err)
	cfg.exchangeAddrs["exchange-deposit-1"] = "Binance"
	cfg.exchangeAddrs["exchange-hot-1"] = "Kraken"
	return cfg
}

func TestBelowThresholdIgnored(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "small",
		TotalOutputSats: 99 * btc,
		Outputs:         []models.TxOut{{Value: 99 * btc, Address: "bc1qsomeone"}},
	}
	_, isWhale := Classify(tx, cfg)
	require.False(t, isWhale)
}

func TestSingleLargeOutputQualifies(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "big",
		TotalOutputSats: 200 * btc,
		Outputs:         []models.TxOut{{Value: 200 * btc, Address: "bc1qunknown"}},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.FlowWhaleTransfer, cand.FlowType)
	require.Equal(t, models.DirectionNeutral, cand.Direction)
	require.InDelta(t, 200.0, cand.BTCValue, 1e-9)
}

func TestExchangeInflow(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "inflow",
		TotalOutputSats: 150 * btc,
		Outputs: []models.TxOut{
			{Value: 120 * btc, Address: "exchange-deposit-1"},
			{Value: 30 * btc, Address: "bc1qchange"},
		},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.FlowExchangeInflow, cand.FlowType)
	require.Equal(t, models.DirectionIn, cand.Direction)
	require.Equal(t, "Binance", cand.Exchange)
}

func TestExchangeOutflow(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "outflow",
		TotalOutputSats: 150 * btc,
		Inputs:          []models.TxIn{{Value: 151 * btc, Address: "exchange-hot-1"}},
		Outputs:         []models.TxOut{{Value: 150 * btc, Address: "bc1qcoldstorage"}},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.FlowExchangeOutflow, cand.FlowType)
	require.Equal(t, models.DirectionOut, cand.Direction)
	require.Equal(t, "Kraken", cand.Exchange)
}

func TestMixedFlowsTieBreakBySats(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "mixed",
		TotalOutputSats: 300 * btc,
		Inputs:          []models.TxIn{{Value: 100 * btc, Address: "exchange-hot-1"}},
		Outputs: []models.TxOut{
			{Value: 180 * btc, Address: "exchange-deposit-1"},
			{Value: 120 * btc, Address: "bc1qother"},
		},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.DirectionIn, cand.Direction)
	require.Equal(t, models.FlowExchangeInflow, cand.FlowType)
}

func TestMixedFlowsExactTieIsNeutral(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "tie",
		TotalOutputSats: 200 * btc,
		Inputs:          []models.TxIn{{Value: 150 * btc, Address: "exchange-hot-1"}},
		Outputs: []models.TxOut{
			{Value: 150 * btc, Address: "exchange-deposit-1"},
			{Value: 50 * btc, Address: "bc1qother"},
		},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.DirectionNeutral, cand.Direction)
	require.Equal(t, models.FlowUnknown, cand.FlowType)
}

func TestUnresolvedInputsDegradeToTransfer(t *testing.T) {
	cfg := testConfig(t)
	// Inputs reference prevouts that were never resolved: no addresses.
	tx := &models.ParsedTransaction{
		Txid:            "unresolved",
		TotalOutputSats: 150 * btc,
		Inputs:          []models.TxIn{{Txid: "prev", Vout: 0}},
		Outputs:         []models.TxOut{{Value: 150 * btc, Address: "bc1qunknown"}},
	}
	cand, isWhale := Classify(tx, cfg)
	require.True(t, isWhale)
	require.Equal(t, models.FlowWhaleTransfer, cand.FlowType)
}

func TestClassifyIsPure(t *testing.T) {
	cfg := testConfig(t)
	tx := &models.ParsedTransaction{
		Txid:            "pure",
		TotalOutputSats: 150 * btc,
		Outputs:         []models.TxOut{{Value: 150 * btc, Address: "exchange-deposit-1"}},
	}
	first, ok1 := Classify(tx, cfg)
	second, ok2 := Classify(tx, cfg)
	require.Equal(t, ok1, ok2)
	require.Equal(t, first.FlowType, second.FlowType)
	require.Equal(t, first.Direction, second.Direction)
	require.Equal(t, first.BTCValue, second.BTCValue)
}

func TestKnownPrefixMatch(t *testing.T) {
	cfg := testConfig(t)
	label, ok := cfg.IsKnownExchangeAddress("1NDyJtNTjmwk5xPNhjgAMu4HDHigtobu1s")
	require.True(t, ok)
	require.Equal(t, "Binance", label)

	_, ok = cfg.IsKnownExchangeAddress("bc1qcompletelyunknownaddress")
	require.False(t, ok)
}
