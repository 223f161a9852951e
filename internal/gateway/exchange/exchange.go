// Package exchange defines the adapter contract toward the trading venue.
// The core never talks to a venue directly; everything goes through this
// interface so live, testnet and simulated backends stay interchangeable.
package exchange

import "context"

type Adapter interface {
	Name() string

	// GetAccountState returns balance information for the trading account.
	GetAccountState(ctx context.Context) (Account, error)

	// GetPositions returns the venue-side open positions. The venue is the
	// source of truth; callers reconcile local state against it.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetOpenOrders returns outstanding orders, protective ones included.
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// PlaceOrder submits an order carrying a client-assigned idempotency
	// token. Adapters must treat a repeated token as the same order.
	PlaceOrder(ctx context.Context, spec OrderSpec) (Ack, error)

	// QueryOrderByToken resolves the outcome of a previous PlaceOrder whose
	// acknowledgement was lost. ok=false means the venue never saw the token.
	QueryOrderByToken(ctx context.Context, token string) (Ack, bool, error)

	CancelOrder(ctx context.Context, orderID string) error

	// ClosePosition issues a market close for the full position.
	ClosePosition(ctx context.Context, symbol, side, reason string) error
}
