package domain

import "time"

// AccountSnapshot is a point-in-time view of the brokerage account.
// Taken once per cycle and never mutated, only replaced.
type AccountSnapshot struct {
	Equity        float64   // Total portfolio value
	BuyingPower   float64   // Funds available for new orders
	Cash          float64   // Settled cash
	OpenPositions int       // Broker-side open position count
	TakenAt       time.Time // When the snapshot was read
}
