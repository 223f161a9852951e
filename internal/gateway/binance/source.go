// Package binance implements the market source on Binance USDT-M futures
// via the go-binance SDK. Only public market endpoints are used here; order
// flow goes through the exchange adapter instead.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quantor/internal/snapshot"
)

const maxHistoryLimit = 1500

type Source struct {
	client *futures.Client
}

func NewSource(httpTimeout time.Duration) *Source {
	client := futures.NewClient("", "")
	if httpTimeout <= 0 {
		httpTimeout = 20 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: httpTimeout}
	return &Source{client: client}
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]snapshot.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]snapshot.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, snapshot.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return dropUnclosed(out), nil
}

// GetFundingRate 获取最新资金费率（例如 0.0001 即 0.01%）。
func (s *Source) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return 0, fmt.Errorf("invalid symbol")
	}
	res, err := s.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, symbol) {
			return parseFloat(entry.LastFundingRate), nil
		}
	}
	return 0, fmt.Errorf("funding rate not available for %s", symbol)
}

// GetOpenInterest 获取当前未平仓量（合约张数）。
func (s *Source) GetOpenInterest(ctx context.Context, symbol string) (float64, error) {
	symbol = cleanSymbol(symbol)
	if symbol == "" {
		return 0, fmt.Errorf("invalid symbol")
	}
	res, err := s.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, fmt.Errorf("open interest not available for %s", symbol)
	}
	return parseFloat(res.OpenInterest), nil
}

// cleanSymbol normalizes "btc/usdt" or "BTC" to Binance form ("BTCUSDT").
func cleanSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	if symbol == "" {
		return ""
	}
	if !strings.HasSuffix(symbol, "USDT") && !strings.HasSuffix(symbol, "USDC") {
		symbol += "USDT"
	}
	return symbol
}

// dropUnclosed removes the still-forming last kline so indicator readings
// only use closed candles.
func dropUnclosed(candles []snapshot.Candle) []snapshot.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.CloseTime > time.Now().UnixMilli() {
		return candles[:len(candles)-1]
	}
	return candles
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
