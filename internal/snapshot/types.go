// Package snapshot assembles the per-cycle market context. A Snapshot is
// built once at the start of a cycle and never mutated afterwards; every
// evaluator in that cycle reads the same object.
package snapshot

import (
	"strings"
	"time"

	"quantor/internal/gateway/exchange"
)

// Candle 单根 K 线。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// IndicatorSet 单周期指标读数（最新值）。
type IndicatorSet struct {
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSIFast    float64 `json:"rsi_fast"`
	RSISlow    float64 `json:"rsi_slow"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATRFast    float64 `json:"atr_fast"`
	ATRSlow    float64 `json:"atr_slow"`
}

// AssetMarket bundles everything the evaluators read about one asset.
type AssetMarket struct {
	Symbol       string       `json:"symbol"`
	Price        float64      `json:"price"`
	Intraday     IndicatorSet `json:"intraday"`
	Trend        IndicatorSet `json:"trend"`
	RecentCloses []float64    `json:"recent_closes"`
	FundingRate  float64      `json:"funding_rate"`
	OpenInterest float64      `json:"open_interest"`
}

// Snapshot is the immutable per-cycle context: account state, venue
// positions and orders, and per-asset market data.
type Snapshot struct {
	CycleID   string
	TakenAt   time.Time
	Account   exchange.Account
	Positions []exchange.Position
	Orders    []exchange.Order
	Markets   map[string]AssetMarket
	// Skipped lists assets whose market data could not be fetched this
	// cycle, with the failure reason. They produce no decision.
	Skipped map[string]string
}

// Market returns the per-asset bundle, ok=false when the asset was skipped.
func (s *Snapshot) Market(symbol string) (AssetMarket, bool) {
	m, ok := s.Markets[strings.ToUpper(strings.TrimSpace(symbol))]
	return m, ok
}

// ExposureUSD sums the open notional for one asset across positions.
func (s *Snapshot) ExposureUSD(symbol string) float64 {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	total := 0.0
	for _, p := range s.Positions {
		if strings.EqualFold(p.Symbol, symbol) {
			total += p.NotionalUSD
		}
	}
	return total
}
