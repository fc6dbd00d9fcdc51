package domain

import "time"

// Position represents one open or historical holding tracked by the ledger.
type Position struct {
	ID         int64          // Unique identifier for the position (usually from DB)
	Symbol     string         // Uppercase ticker (e.g., "NVDA")
	Quantity   int64          // Signed share count; negative would be short
	EntryPrice float64        // Price at which the position was entered
	EntryTime  time.Time      // Timestamp when the position was entered
	StopLoss   float64        // Price level that triggers a stop-loss exit
	TakeProfit float64        // Price level that triggers a take-profit exit
	Status     PositionStatus // Current lifecycle status

	MarkPrice    float64 // Latest known price, updated each cycle
	UnrealizedPL float64 // Mark-to-market P&L while open

	ExitPrice  float64    // Price at which the position was exited (0 while open)
	ExitTime   time.Time  // Timestamp when the position was exited (zero value while open)
	ExitReason ExitReason // Reason for closing ("" while open)
	RealizedPL float64    // P&L realized on close

	// Broker order ID of the in-flight entry or exit order while the
	// position is in a pending status.
	PendingOrderID string
}

// IsOpen reports whether the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// IsPending reports whether an entry or exit order is in flight.
func (p *Position) IsPending() bool {
	return p.Status == StatusPendingEntry || p.Status == StatusPendingExit
}

// IsActive reports whether the position still occupies a slot toward the
// max-positions cap (open or with an order in flight).
func (p *Position) IsActive() bool {
	return p.IsOpen() || p.IsPending()
}

// IsLong reports the direction of the position.
func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

// Mark updates the mark price and unrealized P&L. Only meaningful while open.
func (p *Position) Mark(price float64) {
	p.MarkPrice = price
	p.UnrealizedPL = (price - p.EntryPrice) * float64(p.Quantity)
}
