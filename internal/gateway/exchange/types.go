package exchange

import "time"

// Account represents account balance information.
type Account struct {
	StakeCurrency string  // e.g. "USDT"
	Balance       float64 // wallet balance in stake currency
	Available     float64 // free margin
	Used          float64 // margin currently locked
	UpdatedAt     time.Time
}

// Position represents a venue-side position.
type Position struct {
	Symbol        string
	Side          string // "long" or "short"
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	NotionalUSD   float64
	UnrealizedPnL float64
	StopLoss      float64 // 0 if not set
	TakeProfit    float64 // 0 if not set
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Order is an outstanding venue order.
type Order struct {
	ID          string
	ClientToken string
	Symbol      string
	Side        string // "buy" or "sell"
	Kind        string // "market", "limit", "stop", "take_profit"
	Price       float64
	TriggerPx   float64
	Amount      float64
	ReduceOnly  bool
	CreatedAt   time.Time
}

// OrderSpec contains parameters for placing an order.
type OrderSpec struct {
	Token      string  // client idempotency token, required
	Symbol     string  // e.g. "BTCUSDT"
	Side       string  // "buy" or "sell"
	Kind       string  // "market", "limit", "stop", "take_profit"
	Amount     float64 // base-asset quantity
	Price      float64 // limit price, 0 for market
	TriggerPx  float64 // trigger price for stop/take_profit
	Leverage   int
	ReduceOnly bool
	Tag        string // free-form entry tag for audit
}

// Ack is the venue acknowledgement of an order.
type Ack struct {
	OrderID   string
	Token     string
	Status    string // "accepted", "filled", "rejected"
	FilledQty float64
	AvgPrice  float64
}

const (
	AckAccepted = "accepted"
	AckFilled   = "filled"
	AckRejected = "rejected"
)
