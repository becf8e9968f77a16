package indicator

import "github.com/markcheno/go-talib"

// SMA calculates a simple moving average series. The output has the same
// length as the input with zeros over the lookback window.
func SMA(input []float64, period int) []float64 {
	return talib.Sma(input, period)
}
