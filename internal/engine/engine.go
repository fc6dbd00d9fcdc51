package engine

import (
	"context"
	"fmt"
	"time"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
	"swingbot/internal/risk"
)

// Config holds the decision thresholds.
type Config struct {
	MinConfidence float64       // Recommendations below this are ignored
	PollInterval  time.Duration // Recommendations older than this are stale
}

// Engine turns one recommendation plus current ledger/account state into at
// most one order intent per symbol per cycle. Recommendations are untrusted:
// sizing and risk thresholds are always re-derived from the risk policy.
type Engine struct {
	cfg    Config
	policy *risk.Policy
	logger ports.Logger
}

// Input is everything the engine may consider for one symbol in one cycle.
type Input struct {
	Symbol         string
	Recommendation *domain.Recommendation // nil when the analysis backend failed (treated as HOLD)
	Position       *domain.Position       // nil when the symbol is not held
	ActiveCount    int                    // Positions counting toward the cap
	Account        *domain.AccountSnapshot
	MarkPrice      float64 // Current price for the symbol, 0 if unknown
	Now            time.Time
}

// New creates a decision engine.
func New(cfg Config, policy *risk.Policy, logger ports.Logger) (*Engine, error) {
	if policy == nil || logger == nil {
		return nil, fmt.Errorf("engine requires a risk policy and a logger")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: MinConfidence must be in [0, 1]", ports.ErrConfigurationError)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: PollInterval must be positive", ports.ErrConfigurationError)
	}
	return &Engine{cfg: cfg, policy: policy, logger: logger}, nil
}

// Evaluate produces zero or one intent for the symbol. A nil intent with a
// nil error means HOLD. ErrInsufficientFunds skips the symbol for the
// cycle; ErrRiskLimitExceeded means the engine produced an intent its own
// policy rejects and must be logged, never submitted.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*domain.OrderIntent, error) {
	if in.Position != nil {
		return e.evaluateExit(ctx, in)
	}
	return e.evaluateEntry(ctx, in)
}

// evaluateExit checks exit triggers in fixed priority order:
// stop-loss, then take-profit, then a SELL signal.
func (e *Engine) evaluateExit(ctx context.Context, in Input) (*domain.OrderIntent, error) {
	pos := in.Position
	if pos.IsPending() {
		// An order is already in flight for this symbol; reconciliation
		// resolves it, never a second submission.
		e.logger.Debug(ctx, "Order in flight, holding", map[string]interface{}{"symbol": in.Symbol, "status": pos.Status})
		return nil, nil
	}
	if !pos.IsOpen() {
		return nil, nil
	}

	mark := in.MarkPrice
	if mark <= 0 {
		mark = pos.MarkPrice
	}

	if mark > 0 && mark <= pos.StopLoss {
		return e.exitIntent(pos, domain.ExitReasonStopLoss), nil
	}
	if mark > 0 && mark >= pos.TakeProfit {
		return e.exitIntent(pos, domain.ExitReasonTakeProfit), nil
	}

	rec := e.usableRecommendation(ctx, in)
	if rec != nil && rec.Action == domain.ActionSell {
		return e.exitIntent(pos, domain.ExitReasonSignal), nil
	}
	return nil, nil
}

func (e *Engine) evaluateEntry(ctx context.Context, in Input) (*domain.OrderIntent, error) {
	rec := e.usableRecommendation(ctx, in)
	if rec == nil || rec.Action != domain.ActionBuy {
		return nil, nil
	}
	if !e.policy.CanOpenNewPosition(in.ActiveCount, false) {
		e.logger.Info(ctx, "Entry signal refused, position cap reached", map[string]interface{}{
			"symbol": in.Symbol, "activeCount": in.ActiveCount,
		})
		return nil, nil
	}

	// Prefer the live mark; fall back to the suggested entry limit. The
	// price only bounds sizing and the limit order, thresholds are ours.
	price := in.MarkPrice
	if price <= 0 {
		price = rec.EntryPrice
	}
	if price <= 0 {
		e.logger.Warn(ctx, "No usable price for entry sizing", map[string]interface{}{"symbol": in.Symbol})
		return nil, nil
	}

	qty, err := e.policy.PositionSize(in.Account, price)
	if err != nil {
		return nil, err
	}
	stop, take := e.policy.Thresholds(price, domain.Buy)

	intent := &domain.OrderIntent{
		Symbol:     in.Symbol,
		Side:       domain.Buy,
		Quantity:   qty,
		Type:       domain.Limit,
		LimitPrice: price,
		StopLoss:   stop,
		TakeProfit: take,
	}
	if err := e.policy.ValidateIntent(intent, in.Account); err != nil {
		return nil, err
	}
	return intent, nil
}

// usableRecommendation filters out missing, stale, or low-confidence
// recommendations; all of those degrade to HOLD.
func (e *Engine) usableRecommendation(ctx context.Context, in Input) *domain.Recommendation {
	rec := in.Recommendation
	if rec == nil {
		return nil
	}
	if rec.IsStale(in.Now, e.cfg.PollInterval) {
		e.logger.Warn(ctx, "Stale recommendation discarded", map[string]interface{}{
			"symbol": in.Symbol, "generatedAt": rec.GeneratedAt,
		})
		return nil
	}
	if rec.Confidence < e.cfg.MinConfidence {
		e.logger.Debug(ctx, "Recommendation below confidence floor", map[string]interface{}{
			"symbol": in.Symbol, "confidence": rec.Confidence, "floor": e.cfg.MinConfidence,
		})
		return nil
	}
	return rec
}

func (e *Engine) exitIntent(pos *domain.Position, reason domain.ExitReason) *domain.OrderIntent {
	return &domain.OrderIntent{
		Symbol:   pos.Symbol,
		Side:     domain.Sell,
		Quantity: pos.Quantity,
		Type:     domain.Market,
		Reason:   reason,
	}
}
