package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quantor/internal/config"
	"quantor/internal/gateway/exchange"
	"quantor/internal/logger"
)

// Adapter 币安 USDT 永续的交易适配器。幂等 token 直接映射为
// newClientOrderId，交易所侧会折叠重复提交。
type Adapter struct {
	client *futures.Client

	mu          sync.Mutex
	tokenSymbol map[string]string // client token -> symbol, 供回查使用
	orderSymbol map[string]string // order ID -> symbol
	leverageSet map[string]int
}

func NewAdapter(cfg config.ExchangeConfig) *Adapter {
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient.Timeout = 15 * time.Second
	return &Adapter{
		client:      client,
		tokenSymbol: make(map[string]string),
		orderSymbol: make(map[string]string),
		leverageSet: make(map[string]int),
	}
}

func (a *Adapter) Name() string { return "binance-futures" }

func (a *Adapter) GetAccountState(ctx context.Context) (exchange.Account, error) {
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.Account{}, fmt.Errorf("binance account query failed: %w", err)
	}
	return exchange.Account{
		StakeCurrency: "USDT",
		Balance:       parseFloat(acct.TotalWalletBalance),
		Available:     parseFloat(acct.AvailableBalance),
		Used:          parseFloat(acct.TotalInitialMargin),
		UpdatedAt:     time.Now(),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	risks, err := a.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance position query failed: %w", err)
	}
	var out []exchange.Position
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		mark := parseFloat(r.MarkPrice)
		out = append(out, exchange.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Amount:        amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     mark,
			Leverage:      parseFloat(r.Leverage),
			NotionalUSD:   amt * mark,
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	orders, err := a.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance open orders query failed: %w", err)
	}
	out := make([]exchange.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.Ack, error) {
	if spec.Token == "" {
		return exchange.Ack{}, fmt.Errorf("order token required")
	}
	a.rememberToken(spec.Token, spec.Symbol)

	if spec.Leverage > 0 && !spec.ReduceOnly {
		if err := a.ensureLeverage(ctx, spec.Symbol, spec.Leverage); err != nil {
			return exchange.Ack{}, err
		}
	}

	svc := a.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(sideOf(spec.Side)).
		NewClientOrderID(spec.Token).
		Quantity(formatQty(spec.Amount))

	switch spec.Kind {
	case "market":
		svc = svc.Type(futures.OrderTypeMarket)
	case "limit":
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatQty(spec.Price))
	case "stop":
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatQty(spec.TriggerPx))
	case "take_profit":
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(formatQty(spec.TriggerPx))
	default:
		return exchange.Ack{}, fmt.Errorf("unsupported order kind %q", spec.Kind)
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.Ack{}, fmt.Errorf("binance order placement failed: %w", err)
	}
	orderID := strconv.FormatInt(res.OrderID, 10)
	a.rememberOrder(orderID, spec.Symbol)
	return ackFromStatus(orderID, spec.Token, res.Status, parseFloat(res.ExecutedQuantity), parseFloat(res.AvgPrice)), nil
}

func (a *Adapter) QueryOrderByToken(ctx context.Context, token string) (exchange.Ack, bool, error) {
	symbol, ok := a.symbolForToken(token)
	if !ok {
		return exchange.Ack{}, false, nil
	}
	res, err := a.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(token).
		Do(ctx)
	if err != nil {
		if isUnknownOrder(err) {
			return exchange.Ack{}, false, nil
		}
		return exchange.Ack{}, false, fmt.Errorf("binance order query failed: %w", err)
	}
	orderID := strconv.FormatInt(res.OrderID, 10)
	a.rememberOrder(orderID, symbol)
	return ackFromStatus(orderID, token, res.Status, parseFloat(res.ExecutedQuantity), parseFloat(res.AvgPrice)), true, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	symbol, ok := a.symbolForOrder(orderID)
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad order id %q: %w", orderID, err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel failed: %w", err)
	}
	return nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol, side, reason string) error {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if !strings.EqualFold(p.Symbol, symbol) {
			continue
		}
		exitSide := futures.SideTypeSell
		if p.Side == "short" {
			exitSide = futures.SideTypeBuy
		}
		logger.Warnf("binance: closing %s %s position (%.6f): %s", p.Side, symbol, p.Amount, reason)
		_, err := a.client.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeMarket).
			Quantity(formatQty(p.Amount)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("binance close failed for %s: %w", symbol, err)
		}
	}
	return nil
}

// ensureLeverage 设置杠杆，同一档位只设一次。
func (a *Adapter) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	a.mu.Lock()
	current, ok := a.leverageSet[symbol]
	a.mu.Unlock()
	if ok && current == leverage {
		return nil
	}
	_, err := a.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("binance leverage change failed for %s: %w", symbol, err)
	}
	a.mu.Lock()
	a.leverageSet[symbol] = leverage
	a.mu.Unlock()
	return nil
}

func (a *Adapter) rememberToken(token, symbol string) {
	a.mu.Lock()
	a.tokenSymbol[token] = symbol
	a.mu.Unlock()
}

func (a *Adapter) rememberOrder(orderID, symbol string) {
	a.mu.Lock()
	a.orderSymbol[orderID] = symbol
	a.mu.Unlock()
}

func (a *Adapter) symbolForToken(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.tokenSymbol[token]
	return s, ok
}

func (a *Adapter) symbolForOrder(orderID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.orderSymbol[orderID]
	return s, ok
}

func sideOf(side string) futures.SideType {
	if strings.EqualFold(side, "sell") {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func ackFromStatus(orderID, token string, status futures.OrderStatusType, filled, avg float64) exchange.Ack {
	ack := exchange.Ack{OrderID: orderID, Token: token, FilledQty: filled, AvgPrice: avg}
	switch status {
	case futures.OrderStatusTypeFilled:
		ack.Status = exchange.AckFilled
	case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired, futures.OrderStatusTypeCanceled:
		ack.Status = exchange.AckRejected
	default:
		ack.Status = exchange.AckAccepted
	}
	return ack
}

func convertOrder(o *futures.Order) exchange.Order {
	kind := "limit"
	switch o.Type {
	case futures.OrderTypeMarket:
		kind = "market"
	case futures.OrderTypeStopMarket, futures.OrderTypeStop:
		kind = "stop"
	case futures.OrderTypeTakeProfitMarket, futures.OrderTypeTakeProfit:
		kind = "take_profit"
	}
	return exchange.Order{
		ID:          strconv.FormatInt(o.OrderID, 10),
		ClientToken: o.ClientOrderID,
		Symbol:      o.Symbol,
		Side:        strings.ToLower(string(o.Side)),
		Kind:        kind,
		Price:       parseFloat(o.Price),
		TriggerPx:   parseFloat(o.StopPrice),
		Amount:      parseFloat(o.OrigQuantity),
		ReduceOnly:  o.ReduceOnly,
		CreatedAt:   time.UnixMilli(o.Time),
	}
}

// isUnknownOrder 匹配 -2013 Order does not exist。
func isUnknownOrder(err error) bool {
	return err != nil && strings.Contains(err.Error(), "-2013")
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
