package domain

import "time"

// Recommendation is the analysis backend's assessment for one symbol.
// It is untrusted input: the decision engine re-derives sizing and risk
// bounds itself and never executes a recommendation verbatim.
type Recommendation struct {
	Symbol      string
	Action      Action
	Confidence  float64 // 0.0 - 1.0
	EntryPrice  float64 // Suggested entry limit, 0 if not provided
	TargetPrice float64 // Suggested exit target, 0 if not provided
	StopPrice   float64 // Suggested stop, 0 if not provided
	Reasoning   string  // Free-form rationale from the analysis backend
	GeneratedAt time.Time
}

// IsStale reports whether the recommendation is older than one poll
// interval. Stale recommendations are treated as HOLD.
func (r *Recommendation) IsStale(now time.Time, pollInterval time.Duration) bool {
	return now.Sub(r.GeneratedAt) > pollInterval
}
