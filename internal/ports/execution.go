package ports

import (
	"context"
	"time"

	"swingbot/internal/domain"
)

// BrokerPosition is the execution backend's authoritative record of one
// holding, used by the ledger during reconciliation.
type BrokerPosition struct {
	Symbol        string
	Quantity      int64   // Signed share count
	AvgEntryPrice float64 // Broker-reported average entry price
	CurrentPrice  float64 // Latest mark known to the broker
	MarketValue   float64
	UnrealizedPL  float64
}

// BrokerOrder is the execution backend's record of a submitted order.
type BrokerOrder struct {
	OrderID        string
	Symbol         string
	Side           domain.OrderSide
	Quantity       int64
	FilledQuantity int64
	FilledAvgPrice float64
	Status         string // e.g. "new", "partially_filled", "filled", "canceled", "rejected", "expired"
	SubmittedAt    time.Time
}

// Terminal broker order statuses. Filled confirms a pending transition;
// the rest void a pending entry or revert a pending exit.
const (
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
	OrderStatusExpired  = "expired"
)

// ExecutionGateway is the contract boundary to the brokerage. The core
// never talks to the wire directly; implementations must map rejections to
// ErrOrderRejected and transport failures to ErrBrokerUnavailable.
type ExecutionGateway interface {
	// SubmitOrder places an order built from a risk-approved intent.
	SubmitOrder(ctx context.Context, intent *domain.OrderIntent) (*domain.OrderHandle, error)

	// GetAccountSnapshot reads current account state.
	GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error)

	// GetOpenPositions lists the broker-side open positions.
	GetOpenPositions(ctx context.Context) ([]*BrokerPosition, error)

	// GetOrder retrieves a single order by its broker ID.
	GetOrder(ctx context.Context, orderID string) (*BrokerOrder, error)

	// GetOpenOrders lists orders not yet in a terminal state.
	GetOpenOrders(ctx context.Context) ([]*BrokerOrder, error)

	// CancelOrder cancels an open order. Returns false if the order was
	// already in a terminal state and could not be cancelled.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}
