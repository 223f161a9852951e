package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quantor/internal/analysis/indicator"
	"quantor/internal/config"
	"quantor/internal/gateway/exchange"
	"quantor/internal/logger"
)

// MarketSource 行情来源：K 线、资金费率与未平仓量。
type MarketSource interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetOpenInterest(ctx context.Context, symbol string) (float64, error)
}

// Assembler builds one Snapshot per cycle by merging account state from
// the exchange adapter with indicator readings from the market source.
type Assembler struct {
	source MarketSource
	exch   exchange.Adapter
	cfg    config.MarketConfig
}

func NewAssembler(source MarketSource, exch exchange.Adapter, cfg config.MarketConfig) *Assembler {
	return &Assembler{source: source, exch: exch, cfg: cfg}
}

// Assemble fetches everything a cycle needs. Account state is mandatory:
// failure there aborts the cycle. Per-asset market data failures only skip
// that asset, recorded in Snapshot.Skipped.
func (a *Assembler) Assemble(ctx context.Context, cycleID string) (*Snapshot, error) {
	account, err := a.fetchAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble snapshot: account state: %w", err)
	}
	positions, err := a.exch.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble snapshot: positions: %w", err)
	}
	orders, err := a.exch.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble snapshot: open orders: %w", err)
	}

	snap := &Snapshot{
		CycleID:   cycleID,
		TakenAt:   time.Now().UTC(),
		Account:   account,
		Positions: positions,
		Orders:    orders,
		Markets:   make(map[string]AssetMarket, len(a.cfg.Assets)),
		Skipped:   make(map[string]string),
	}

	for _, symbol := range a.cfg.Assets {
		market, err := a.assembleAsset(ctx, symbol)
		if err != nil {
			logger.Warnf("snapshot: skip %s this cycle: %v", symbol, err)
			snap.Skipped[symbol] = err.Error()
			continue
		}
		snap.Markets[symbol] = market
	}
	return snap, nil
}

func (a *Assembler) fetchAccount(ctx context.Context) (exchange.Account, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return exchange.Account{}, err
			}
		}
		acct, err := a.exch.GetAccountState(ctx)
		if err == nil {
			return acct, nil
		}
		lastErr = err
	}
	return exchange.Account{}, lastErr
}

func (a *Assembler) assembleAsset(ctx context.Context, symbol string) (AssetMarket, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	intraday, err := a.fetchCandles(ctx, symbol, a.cfg.Interval)
	if err != nil {
		return AssetMarket{}, fmt.Errorf("candles %s: %w", a.cfg.Interval, err)
	}
	if len(intraday) == 0 {
		return AssetMarket{}, fmt.Errorf("no %s candles", a.cfg.Interval)
	}
	trend, err := a.fetchCandles(ctx, symbol, a.cfg.TrendInterval)
	if err != nil {
		return AssetMarket{}, fmt.Errorf("candles %s: %w", a.cfg.TrendInterval, err)
	}

	market := AssetMarket{
		Symbol:       symbol,
		Price:        intraday[len(intraday)-1].Close,
		Intraday:     toIndicatorSet(indicator.Compute(toSeries(intraday))),
		Trend:        toIndicatorSet(indicator.Compute(toSeries(trend))),
		RecentCloses: recentCloses(intraday, 10),
	}

	// Funding and OI are nice-to-have; a failure degrades to zero values
	// instead of skipping the asset.
	if funding, err := a.source.GetFundingRate(ctx, symbol); err == nil {
		market.FundingRate = funding
	} else {
		logger.Debugf("snapshot: funding rate unavailable for %s: %v", symbol, err)
	}
	if oi, err := a.source.GetOpenInterest(ctx, symbol); err == nil {
		market.OpenInterest = oi
	} else {
		logger.Debugf("snapshot: open interest unavailable for %s: %v", symbol, err)
	}
	return market, nil
}

func (a *Assembler) fetchCandles(ctx context.Context, symbol, interval string) ([]Candle, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.FetchTimeoutSeconds)*time.Second)
		candles, err := a.source.FetchHistory(fetchCtx, symbol, interval, a.cfg.CandleLimit)
		cancel()
		if err == nil {
			return candles, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func toSeries(candles []Candle) indicator.Series {
	s := indicator.Series{
		Close: make([]float64, len(candles)),
		High:  make([]float64, len(candles)),
		Low:   make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Close[i] = c.Close
		s.High[i] = c.High
		s.Low[i] = c.Low
	}
	return s
}

func toIndicatorSet(r indicator.Reading) IndicatorSet {
	return IndicatorSet{
		EMAFast:    r.EMAFast,
		EMASlow:    r.EMASlow,
		RSIFast:    r.RSIFast,
		RSISlow:    r.RSISlow,
		MACD:       r.MACD,
		MACDSignal: r.MACDSignal,
		MACDHist:   r.MACDHist,
		ATRFast:    r.ATRFast,
		ATRSlow:    r.ATRSlow,
	}
}

func recentCloses(candles []Candle, n int) []float64 {
	if len(candles) < n {
		n = len(candles)
	}
	out := make([]float64, 0, n)
	for _, c := range candles[len(candles)-n:] {
		out = append(out, c.Close)
	}
	return out
}

func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
