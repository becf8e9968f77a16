// Package strategy provides the scaffolding shared by strategy executors:
// candle aggregation, contract sizing and exchange-grid rounding.
package strategy

import "math"

// Normalize8 rounds to 8 decimals to eliminate floating-point drift after
// grid arithmetic.
func Normalize8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// RoundToTick snaps a price to the instrument tick grid.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return Normalize8(math.Round(price/tickSize) * tickSize)
}

// RoundToStep snaps an amount to the nearest multiple of step.
func RoundToStep(amount, step float64) float64 {
	if step <= 0 {
		return amount
	}
	return Normalize8(math.Round(amount/step) * step)
}

// FloorToStep snaps an amount down to a multiple of step. Used when
// downsizing must never exceed a cap.
func FloorToStep(amount, step float64) float64 {
	if step <= 0 {
		return amount
	}
	return Normalize8(math.Floor(amount/step) * step)
}
