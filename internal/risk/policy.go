package risk

import (
	"fmt"
	"math"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

// Config holds the fixed risk limits applied to every decision.
type Config struct {
	MaxPositionSize float64 // Fraction of equity allocated per position
	MaxPositions    int     // Cap on concurrently active symbols
	StopLossPct     float64
	TakeProfitPct   float64
}

// Policy computes position sizes and risk thresholds. All methods are pure
// functions over supplied snapshots; the policy itself carries no state
// beyond its configuration.
type Policy struct {
	cfg Config
}

// New validates the risk configuration and returns a Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1.0 {
		return nil, fmt.Errorf("%w: MaxPositionSize must be in (0, 1]", ports.ErrConfigurationError)
	}
	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("%w: MaxPositions must be positive", ports.ErrConfigurationError)
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		return nil, fmt.Errorf("%w: StopLossPct must be in (0, 1)", ports.ErrConfigurationError)
	}
	if cfg.TakeProfitPct <= 0 {
		return nil, fmt.Errorf("%w: TakeProfitPct must be positive", ports.ErrConfigurationError)
	}
	return &Policy{cfg: cfg}, nil
}

// PositionSize returns the share count for a new entry:
// floor((equity * MaxPositionSize) / price). The resulting cost never
// exceeds equity * MaxPositionSize. A zero quantity fails with
// ErrInsufficientFunds and the symbol is skipped for the cycle.
func (p *Policy) PositionSize(account *domain.AccountSnapshot, price float64) (int64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %.2f", ports.ErrInvalidRequest, price)
	}
	budget := account.Equity * p.cfg.MaxPositionSize
	qty := int64(math.Floor(budget / price))
	if qty <= 0 {
		return 0, fmt.Errorf("%w: budget %.2f cannot buy one share at %.2f", ports.ErrInsufficientFunds, budget, price)
	}
	return qty, nil
}

// Thresholds returns the stop-loss and take-profit prices for an entry.
// Long: stop = entry*(1-sl), take = entry*(1+tp). Short is symmetric.
func (p *Policy) Thresholds(entryPrice float64, side domain.OrderSide) (stopLoss, takeProfit float64) {
	if side == domain.Sell {
		return entryPrice * (1 + p.cfg.StopLossPct), entryPrice * (1 - p.cfg.TakeProfitPct)
	}
	return entryPrice * (1 - p.cfg.StopLossPct), entryPrice * (1 + p.cfg.TakeProfitPct)
}

// CanOpenNewPosition reports whether a new entry is permitted: the active
// position count must be below MaxPositions and the symbol must not
// already be held or pending.
func (p *Policy) CanOpenNewPosition(activeCount int, symbolHeld bool) bool {
	return activeCount < p.cfg.MaxPositions && !symbolHeld
}

// ValidateIntent re-checks an intent against the configured bounds before
// submission. A violation here is a policy fault in the caller and must be
// logged, never executed.
func (p *Policy) ValidateIntent(intent *domain.OrderIntent, account *domain.AccountSnapshot) error {
	if intent.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ports.ErrRiskLimitExceeded, intent.Quantity)
	}
	if intent.IsEntry() {
		price := intent.LimitPrice
		if price == 0 {
			// Market entries are bounded by the price the size was derived from.
			price = intent.StopLoss / (1 - p.cfg.StopLossPct)
		}
		cost := float64(intent.Quantity) * price
		maxCost := account.Equity * p.cfg.MaxPositionSize
		if cost > maxCost+1e-9 {
			return fmt.Errorf("%w: cost %.2f exceeds limit %.2f", ports.ErrRiskLimitExceeded, cost, maxCost)
		}
		if intent.StopLoss <= 0 || intent.TakeProfit <= intent.StopLoss {
			return fmt.Errorf("%w: thresholds not ordered (stop %.2f, take %.2f)", ports.ErrRiskLimitExceeded, intent.StopLoss, intent.TakeProfit)
		}
	}
	return nil
}

// MaxPositions exposes the configured cap for status reporting.
func (p *Policy) MaxPositions() int { return p.cfg.MaxPositions }
