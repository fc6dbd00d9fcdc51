package ports

import (
	"context"

	"swingbot/internal/domain"
)

// MarketContext carries the per-cycle information handed to the analysis
// backend alongside the symbol.
type MarketContext struct {
	LastPrice     float64 // Most recent mark for the symbol, 0 if unknown
	HasPosition   bool    // Whether the bot currently holds the symbol
	EntryPrice    float64 // Entry price of the held position, if any
	OpenPositions int     // Total open position count across the universe
}

// AnalysisGateway is the contract boundary to the AI analysis backend.
// The core treats it as a black-box recommendation source; implementations
// must wrap transport and parse failures in ErrAnalysisUnavailable.
type AnalysisGateway interface {
	// GetRecommendation requests an assessment for a single symbol.
	GetRecommendation(ctx context.Context, symbol string, mc MarketContext) (*domain.Recommendation, error)
}
