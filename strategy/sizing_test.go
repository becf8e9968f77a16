package strategy

import (
	"testing"

	"github.com/quantbyte/razor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcPerp = core.InstrumentInfo{
	Name:           "BTC-PERPETUAL",
	TickSize:       0.5,
	MinTradeAmount: 0.001,
	MaxLeverage:    100,
	ContractSize:   1,
}

func TestContractAmount_RoundsToStep(t *testing.T) {
	amount, err := ContractAmount(SizeRequest{
		Notional:       100,
		Price:          50000,
		Equity:         10000,
		AvailableFunds: 10000,
		Info:           btcPerp,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.002, amount)
}

func TestContractAmount_AmountTooSmall(t *testing.T) {
	_, err := ContractAmount(SizeRequest{
		Notional:       10,
		Price:          50000,
		Equity:         10000,
		AvailableFunds: 10000,
		Info:           btcPerp,
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeAmountTooSmall, core.CodeOf(err))
}

func TestContractAmount_DownsizesToLeverageCap(t *testing.T) {
	// 2x cap on 100 equity allows 200 notional; ask for 400.
	amount, err := ContractAmount(SizeRequest{
		Notional:       400,
		Price:          100,
		Equity:         100,
		AvailableFunds: 100,
		LeverageCap:    2,
		Info:           core.InstrumentInfo{TickSize: 0.5, MinTradeAmount: 0.1, MaxLeverage: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, amount)
}

func TestContractAmount_LeverageExceededAtMinimumStep(t *testing.T) {
	_, err := ContractAmount(SizeRequest{
		Notional:       500,
		Price:          100,
		Equity:         1,
		AvailableFunds: 1,
		LeverageCap:    2,
		Info:           core.InstrumentInfo{TickSize: 0.5, MinTradeAmount: 1, MaxLeverage: 100},
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeLeverageExceeded, core.CodeOf(err))
}

func TestContractAmount_InsufficientMargin(t *testing.T) {
	_, err := ContractAmount(SizeRequest{
		Notional:       1000,
		Price:          100,
		Equity:         1000,
		AvailableFunds: 0.01,
		LeverageCap:    2,
		Info:           core.InstrumentInfo{TickSize: 0.5, MinTradeAmount: 0.1, MaxLeverage: 100},
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInsufficientMargin, core.CodeOf(err))
}

func TestEffectiveLeverageCap_HardCeiling(t *testing.T) {
	assert.Equal(t, HardLeverageCap, effectiveLeverageCap(0, 100))
	assert.Equal(t, 25.0, effectiveLeverageCap(25, 100))
	assert.Equal(t, 10.0, effectiveLeverageCap(25, 10))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 1000.5, RoundToTick(1000.4, 0.5))
	assert.Equal(t, 1000.0, RoundToTick(1000.2, 0.5))
	assert.Equal(t, 0.002, RoundToStep(0.0021, 0.001))
	assert.Equal(t, 0.002, FloorToStep(0.0029, 0.001))
	// 8-decimal normalisation kills binary drift.
	assert.Equal(t, 0.3, Normalize8(0.1+0.2))
}
