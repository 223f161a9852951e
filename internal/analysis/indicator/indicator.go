// Package indicator computes the indicator readings the snapshot carries.
// Only final values are exposed; evaluators that want series context get a
// short tail of closes from the snapshot instead.
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Series holds the raw OHLC input for one symbol+interval.
type Series struct {
	Close []float64
	High  []float64
	Low   []float64
}

// Reading 指标读数（与 snapshot.IndicatorSet 字段一一对应）。
type Reading struct {
	EMAFast    float64
	EMASlow    float64
	RSIFast    float64
	RSISlow    float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	ATRFast    float64
	ATRSlow    float64
}

const (
	emaFastPeriod = 20
	emaSlowPeriod = 50
	rsiFastPeriod = 7
	rsiSlowPeriod = 14
	atrFastPeriod = 3
	atrSlowPeriod = 14
)

// Compute derives the standard reading set from a candle series. Periods
// the series is too short for come back as zero, never NaN.
func Compute(s Series) Reading {
	var r Reading
	if len(s.Close) == 0 {
		return r
	}
	r.EMAFast = lastValid(talib.Ema(s.Close, emaFastPeriod))
	r.EMASlow = lastValid(talib.Ema(s.Close, emaSlowPeriod))
	r.RSIFast = lastValid(talib.Rsi(s.Close, rsiFastPeriod))
	r.RSISlow = lastValid(talib.Rsi(s.Close, rsiSlowPeriod))
	if len(s.Close) > 33 {
		macd, signal, hist := talib.Macd(s.Close, 12, 26, 9)
		r.MACD = lastValid(macd)
		r.MACDSignal = lastValid(signal)
		r.MACDHist = lastValid(hist)
	}
	if len(s.High) == len(s.Close) && len(s.Low) == len(s.Close) {
		r.ATRFast = lastValid(talib.Atr(s.High, s.Low, s.Close, atrFastPeriod))
		r.ATRSlow = lastValid(talib.Atr(s.High, s.Low, s.Close, atrSlowPeriod))
	}
	return r
}

// lastValid returns the last finite value of a talib series. talib pads
// warm-up slots with zeros at the head, so scanning from the tail lands on
// a real reading whenever one exists.
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return v
	}
	return 0
}
