package domain

import "time"

// OrderIntent is the decision engine's output unit: a fully risk-bounded
// order the orchestrator may submit. Ephemeral; it exists only between
// decision and submission and is never persisted beyond one cycle.
type OrderIntent struct {
	Symbol     string
	Side       OrderSide
	Quantity   int64
	Type       OrderType
	LimitPrice float64 // Only set for limit orders
	StopLoss   float64 // Risk threshold attached to an entry
	TakeProfit float64
	Reason     ExitReason // Empty for entries
}

// IsEntry reports whether the intent opens new exposure.
func (o *OrderIntent) IsEntry() bool {
	return o.Side == Buy && o.Reason == ""
}

// OrderHandle identifies an order accepted by the execution backend.
type OrderHandle struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Quantity    int64
	Status      string // Broker-side status (e.g., "new", "filled", "rejected")
	SubmittedAt time.Time
}
