package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"swingbot/internal/clock"
	"swingbot/internal/domain"
	"swingbot/internal/engine"
	"swingbot/internal/ledger"
	"swingbot/internal/ports"
)

// Config holds the orchestrator's runtime parameters.
type Config struct {
	Symbols                 []string
	GatewayTimeout          time.Duration
	MaxConsecutiveExecFails int
	PaperTrading            bool
}

// Status is the read-only snapshot exposed to the control surface. It is
// served from memory and never blocks on network calls.
type Status struct {
	State                   domain.BotState `json:"state"`
	LastCycleTime           time.Time       `json:"last_cycle_time"`
	OpenPositions           int             `json:"open_positions"`
	ActivePositions         int             `json:"active_positions"`
	Equity                  float64         `json:"equity"`
	ConsecutiveExecFailures int             `json:"consecutive_exec_failures"`
	LedgerInconsistencies   int             `json:"ledger_inconsistencies"`
	PaperTrading            bool            `json:"paper_trading"`
}

// OpenOrder pairs a pending position with its in-flight broker order.
type OpenOrder struct {
	Symbol   string                `json:"symbol"`
	OrderID  string                `json:"order_id"`
	Status   domain.PositionStatus `json:"status"`
	Quantity int64                 `json:"quantity"`
}

type commandKind int

const (
	cmdEmergencyStop commandKind = iota + 1
	cmdResume
)

type command struct {
	kind  commandKind
	reply chan error
}

// Orchestrator drives the trading loop: one scheduling goroutine wakes per
// the trading clock, runs a cycle (analysis -> decision -> execution ->
// reconciliation), and is the only writer of the ledger. Control requests
// arrive as discrete commands on a channel, never as shared flags the
// cycle and the dashboard both mutate.
type Orchestrator struct {
	cfg       Config
	logger    ports.Logger
	analysis  ports.AnalysisGateway
	execution ports.ExecutionGateway
	engine    *engine.Engine
	ledger    *ledger.Ledger
	clock     *clock.Clock
	repo      ports.LedgerRepository

	commands chan command
	// emergencyPending short-circuits entry submissions inside an
	// in-flight cycle before the command itself is consumed.
	emergencyPending atomic.Bool
	running          atomic.Bool

	mu           sync.RWMutex
	loopDone     chan struct{} // closed when the current Run loop exits
	state        domain.BotState
	lastCycle    time.Time
	lastEquity   float64
	execFailures int
}

// New wires an orchestrator. All dependencies are required.
func New(cfg Config, logger ports.Logger, analysis ports.AnalysisGateway, execution ports.ExecutionGateway,
	eng *engine.Engine, led *ledger.Ledger, clk *clock.Clock, repo ports.LedgerRepository) (*Orchestrator, error) {

	if logger == nil || analysis == nil || execution == nil || eng == nil || led == nil || clk == nil || repo == nil {
		return nil, fmt.Errorf("missing required dependencies for Orchestrator")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols to watch", ports.ErrConfigurationError)
	}
	if cfg.GatewayTimeout <= 0 {
		return nil, fmt.Errorf("%w: GatewayTimeout must be positive", ports.ErrConfigurationError)
	}
	if cfg.MaxConsecutiveExecFails <= 0 {
		return nil, fmt.Errorf("%w: MaxConsecutiveExecFails must be positive", ports.ErrConfigurationError)
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		analysis:  analysis,
		execution: execution,
		engine:    eng,
		ledger:    led,
		clock:     clk,
		repo:      repo,
		commands:  make(chan command, 16),
		state:     domain.StateStopped,
	}, nil
}

// Run executes the scheduling loop until the context is cancelled. Only one
// cycle is ever in flight; an overdue cycle is skipped, not queued.
func (o *Orchestrator) Run(ctx context.Context) error {
	done := make(chan struct{})
	o.mu.Lock()
	if !o.running.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return ports.ErrAlreadyRunning
	}
	o.loopDone = done
	o.mu.Unlock()
	defer close(done)
	defer o.drainCommands()
	defer o.running.Store(false)

	// Restart continuity: reload active positions and the last state. An
	// emergency stop survives a restart; it never auto-resumes.
	if err := o.ledger.Restore(ctx); err != nil {
		return err
	}
	lastState, err := o.repo.LoadBotState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	if lastState == domain.StateEmergencyStopped {
		o.setState(ctx, domain.StateEmergencyStopped)
		o.logger.Warn(ctx, "Restarted in emergency-stopped state, waiting for resume")
	} else {
		o.setState(ctx, domain.StateRunning)
	}
	o.logger.Info(ctx, "Orchestrator started", map[string]interface{}{
		"symbols": o.cfg.Symbols, "paperTrading": o.cfg.PaperTrading,
	})

	timer := time.NewTimer(o.sleepUntil(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info(ctx, "Context cancelled, stopping orchestrator")
			if o.State() == domain.StateEmergencyStopped {
				// Keep the emergency marker on disk so a restart stays halted.
				o.mu.Lock()
				o.state = domain.StateStopped
				o.mu.Unlock()
			} else {
				o.setState(context.WithoutCancel(ctx), domain.StateStopped)
			}
			return nil

		case cmd := <-o.commands:
			cmd.reply <- o.handleCommand(ctx, cmd.kind)

		case <-timer.C:
			now := time.Now()
			if o.State() == domain.StateRunning && o.clock.IsTradingWindow(now) {
				o.runCycle(ctx, now)
			} else {
				o.logger.Debug(ctx, "Outside trading window or not running, skipping cycle", map[string]interface{}{"state": o.State()})
			}
			// Next wake is computed after the cycle finished: a cycle that
			// overran its slot skips the missed tick instead of queueing it.
			timer.Reset(o.sleepUntil(time.Now()))
		}
	}
}

// TriggerEmergencyStop requests liquidation of all open exposure. The flag
// blocks any further entry submissions immediately; the liquidation itself
// runs on the scheduling goroutine. Safe to call from any goroutine.
func (o *Orchestrator) TriggerEmergencyStop() {
	o.emergencyPending.Store(true)
	o.enqueue(cmdEmergencyStop)
}

// Resume re-enables trading after an emergency stop. Fails with
// ErrNotInEmergencyState otherwise.
func (o *Orchestrator) Resume() error {
	if o.State() != domain.StateEmergencyStopped {
		return ports.ErrNotInEmergencyState
	}
	return o.enqueue(cmdResume)
}

// Status returns the current read-only snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		State:                   o.state,
		LastCycleTime:           o.lastCycle,
		OpenPositions:           o.ledger.OpenCount(),
		ActivePositions:         o.ledger.ActiveCount(),
		Equity:                  o.lastEquity,
		ConsecutiveExecFailures: o.execFailures,
		LedgerInconsistencies:   o.ledger.Inconsistencies(),
		PaperTrading:            o.cfg.PaperTrading,
	}
}

// Positions returns copies of the open/pending positions.
func (o *Orchestrator) Positions() []domain.Position {
	return o.ledger.Active()
}

// OpenOrders lists in-flight entry/exit orders.
func (o *Orchestrator) OpenOrders() []OpenOrder {
	var out []OpenOrder
	for _, pos := range o.ledger.Active() {
		if pos.IsPending() {
			out = append(out, OpenOrder{
				Symbol:   pos.Symbol,
				OrderID:  pos.PendingOrderID,
				Status:   pos.Status,
				Quantity: pos.Quantity,
			})
		}
	}
	return out
}

// State returns the orchestrator's lifecycle state.
func (o *Orchestrator) State() domain.BotState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) enqueue(kind commandKind) error {
	if !o.running.Load() {
		// No loop consuming commands; handle inline so the control surface
		// still works before Run and after shutdown.
		return o.handleCommand(context.Background(), kind)
	}
	o.mu.RLock()
	done := o.loopDone
	o.mu.RUnlock()

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case o.commands <- cmd:
	case <-done:
		return o.handleCommand(context.Background(), kind)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-done:
		// The loop exited while the command was queued. The shutdown drain
		// may have answered it already; otherwise handle it here.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return o.handleCommand(context.Background(), kind)
		}
	}
}

// drainCommands answers any commands still queued when the Run loop exits so
// no caller blocks on a reply that would never come.
func (o *Orchestrator) drainCommands() {
	for {
		select {
		case cmd := <-o.commands:
			cmd.reply <- o.handleCommand(context.Background(), cmd.kind)
		default:
			return
		}
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, kind commandKind) error {
	switch kind {
	case cmdEmergencyStop:
		o.emergencyStop(ctx, "operator request")
		return nil
	case cmdResume:
		if o.State() != domain.StateEmergencyStopped {
			return ports.ErrNotInEmergencyState
		}
		o.mu.Lock()
		o.execFailures = 0
		o.mu.Unlock()
		o.setState(ctx, domain.StateRunning)
		o.logger.Info(ctx, "Trading resumed after emergency stop")
		return nil
	}
	return fmt.Errorf("%w: unknown command %d", ports.ErrInvalidRequest, kind)
}

// runCycle performs one full pass: reconcile, then evaluate and act on each
// watched symbol independently. A failure for one symbol never aborts the
// cycle for the others.
func (o *Orchestrator) runCycle(ctx context.Context, now time.Time) {
	o.logger.Info(ctx, "Starting trading cycle", map[string]interface{}{"time": now})

	account, err := o.callAccount(ctx)
	if err != nil {
		o.recordExecFailure(ctx, err, "account snapshot")
		return
	}
	brokerPositions, err := o.callPositions(ctx)
	if err != nil {
		o.recordExecFailure(ctx, err, "open positions")
		return
	}
	o.recordExecSuccess()

	// Reconcile the ledger toward the broker before deciding anything.
	snap := ledger.Snapshot{Positions: brokerPositions}
	snap.Orders, snap.MissingOrders = o.fetchPendingOrders(ctx)
	if err := o.ledger.Reconcile(ctx, snap, now); err != nil {
		o.logger.Error(ctx, err, "Reconciliation failed")
	}

	prices := make(map[string]float64, len(brokerPositions))
	for _, bp := range brokerPositions {
		prices[bp.Symbol] = bp.CurrentPrice
	}
	o.ledger.MarkToMarket(prices)

	for _, symbol := range o.cfg.Symbols {
		if o.emergencyPending.Load() {
			// Discard the rest of the cycle's writes; the emergency stop
			// command is about to liquidate everything anyway.
			o.logger.Warn(ctx, "Emergency stop pending, abandoning cycle", map[string]interface{}{"symbol": symbol})
			return
		}
		o.processSymbol(ctx, symbol, account, prices, now)
	}

	o.mu.Lock()
	o.lastCycle = now
	o.lastEquity = account.Equity
	o.mu.Unlock()
	o.logger.Info(ctx, "Trading cycle complete", map[string]interface{}{
		"equity": account.Equity, "activePositions": o.ledger.ActiveCount(),
	})
}

func (o *Orchestrator) processSymbol(ctx context.Context, symbol string, account *domain.AccountSnapshot, prices map[string]float64, now time.Time) {
	var position *domain.Position
	if pos, ok := o.ledger.Get(symbol); ok {
		position = &pos
	}

	rec := o.fetchRecommendation(ctx, symbol, position, prices)

	intent, err := o.engine.Evaluate(ctx, engine.Input{
		Symbol:         symbol,
		Recommendation: rec,
		Position:       position,
		ActiveCount:    o.ledger.ActiveCount(),
		Account:        account,
		MarkPrice:      prices[symbol],
		Now:            now,
	})
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrInsufficientFunds):
			o.logger.Info(ctx, "Sizing yields zero quantity, symbol skipped", map[string]interface{}{"symbol": symbol})
		case errors.Is(err, ports.ErrRiskLimitExceeded):
			o.logger.Error(ctx, err, "Policy violation: intent rejected, not submitted", map[string]interface{}{"symbol": symbol})
		default:
			o.logger.Error(ctx, err, "Decision failed for symbol", map[string]interface{}{"symbol": symbol})
		}
		return
	}
	if intent == nil {
		return
	}
	if intent.IsEntry() && o.emergencyPending.Load() {
		return
	}
	o.submitIntent(ctx, intent, now)
}

// submitIntent sends the intent to the broker and records the resulting
// pending state. A timeout still records the pending position so the next
// reconciliation can resolve it; there is never an automatic resubmission.
func (o *Orchestrator) submitIntent(ctx context.Context, intent *domain.OrderIntent, now time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	handle, err := o.execution.SubmitOrder(callCtx, intent)
	cancel()

	switch {
	case err == nil:
		o.recordExecSuccess()
	case errors.Is(err, ports.ErrOrderRejected):
		// The broker answered: the order does not exist. Nothing pending.
		o.logger.Warn(ctx, "Order rejected by broker", map[string]interface{}{
			"symbol": intent.Symbol, "side": intent.Side, "quantity": intent.Quantity,
		})
		o.recordExecSuccess()
		return
	default:
		// Timeout or transport failure: the order may exist broker-side.
		o.recordExecFailure(ctx, err, "order submission")
		handle = &domain.OrderHandle{Symbol: intent.Symbol, Side: intent.Side, Quantity: intent.Quantity, SubmittedAt: now}
	}

	if intent.IsEntry() {
		if _, lerr := o.ledger.RecordEntry(ctx, intent, handle, now); lerr != nil {
			o.logger.Error(ctx, lerr, "Failed to record entry", map[string]interface{}{"symbol": intent.Symbol})
		}
		return
	}
	if lerr := o.ledger.RecordExit(ctx, intent.Symbol, intent.Reason, handle); lerr != nil {
		o.logger.Error(ctx, lerr, "Failed to record exit", map[string]interface{}{"symbol": intent.Symbol})
	}
}

// emergencyStop halts trading, cancels what can be cancelled, and issues
// liquidating sells for every open position, bypassing normal exit logic.
// The state persists until an explicit resume.
func (o *Orchestrator) emergencyStop(ctx context.Context, cause string) {
	if o.State() == domain.StateEmergencyStopped {
		o.emergencyPending.Store(false)
		return
	}
	o.logger.Warn(ctx, "EMERGENCY STOP triggered", map[string]interface{}{"cause": cause})
	o.setState(ctx, domain.StateEmergencyStopped)
	o.emergencyPending.Store(false)

	// Cancel in-flight orders where cancellable.
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	orders, err := o.execution.GetOpenOrders(callCtx)
	cancel()
	if err != nil {
		o.logger.Error(ctx, err, "Could not list open orders during emergency stop")
	}
	for _, ord := range orders {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
		ok, cerr := o.execution.CancelOrder(callCtx, ord.OrderID)
		cancel()
		if cerr != nil {
			o.logger.Error(ctx, cerr, "Failed to cancel order", map[string]interface{}{"orderID": ord.OrderID})
		} else if ok {
			o.logger.Info(ctx, "Order cancelled", map[string]interface{}{"orderID": ord.OrderID, "symbol": ord.Symbol})
		}
	}

	// Liquidate every open position with a market sell.
	for _, pos := range o.ledger.Active() {
		if !pos.IsOpen() {
			continue
		}
		intent := &domain.OrderIntent{
			Symbol:   pos.Symbol,
			Side:     domain.Sell,
			Quantity: pos.Quantity,
			Type:     domain.Market,
			Reason:   domain.ExitReasonEmergencyStop,
		}
		o.submitIntent(ctx, intent, time.Now())
	}
	o.logger.Warn(ctx, "Emergency liquidation submitted, trading halted until resume")
}

// fetchRecommendation asks the analysis backend for one symbol. Any
// failure degrades that symbol to HOLD for the cycle.
func (o *Orchestrator) fetchRecommendation(ctx context.Context, symbol string, position *domain.Position, prices map[string]float64) *domain.Recommendation {
	mc := ports.MarketContext{
		LastPrice:     prices[symbol],
		OpenPositions: o.ledger.OpenCount(),
	}
	if position != nil {
		mc.HasPosition = true
		mc.EntryPrice = position.EntryPrice
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	rec, err := o.analysis.GetRecommendation(callCtx, symbol, mc)
	if err != nil {
		o.logger.Warn(ctx, "Analysis unavailable, treating symbol as HOLD", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return nil
	}
	return rec
}

// fetchPendingOrders looks up the broker status of every order the ledger
// has in flight. An authoritative not-found goes into the missing set so
// reconciliation can resolve the position; any other lookup failure leaves
// the order out of both maps, which keeps the position pending until a
// cycle gets a definitive answer.
func (o *Orchestrator) fetchPendingOrders(ctx context.Context) (map[string]*ports.BrokerOrder, map[string]struct{}) {
	orders := make(map[string]*ports.BrokerOrder)
	missing := make(map[string]struct{})
	for _, pos := range o.ledger.Active() {
		if !pos.IsPending() || pos.PendingOrderID == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
		ord, err := o.execution.GetOrder(callCtx, pos.PendingOrderID)
		cancel()
		switch {
		case err == nil:
			orders[ord.OrderID] = ord
		case errors.Is(err, ports.ErrOrderNotFound):
			missing[pos.PendingOrderID] = struct{}{}
			o.logger.Warn(ctx, "Broker reports pending order does not exist", map[string]interface{}{
				"symbol": pos.Symbol, "orderID": pos.PendingOrderID,
			})
		default:
			o.logger.Warn(ctx, "Could not fetch pending order status", map[string]interface{}{
				"symbol": pos.Symbol, "orderID": pos.PendingOrderID, "error": err.Error(),
			})
		}
	}
	return orders, missing
}

func (o *Orchestrator) callAccount(ctx context.Context) (*domain.AccountSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	return o.execution.GetAccountSnapshot(callCtx)
}

func (o *Orchestrator) callPositions(ctx context.Context) ([]*ports.BrokerPosition, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	return o.execution.GetOpenPositions(callCtx)
}

// recordExecFailure counts consecutive execution-gateway failures and
// fail-safes into an emergency stop past the configured threshold: halting
// beats trading blind.
func (o *Orchestrator) recordExecFailure(ctx context.Context, err error, op string) {
	o.mu.Lock()
	o.execFailures++
	failures := o.execFailures
	o.mu.Unlock()
	o.logger.Error(ctx, err, "Execution gateway failure", map[string]interface{}{
		"operation": op, "consecutiveFailures": failures,
	})
	if failures >= o.cfg.MaxConsecutiveExecFails && o.State() == domain.StateRunning {
		o.emergencyStop(ctx, fmt.Sprintf("%d consecutive execution failures", failures))
	}
}

func (o *Orchestrator) recordExecSuccess() {
	o.mu.Lock()
	o.execFailures = 0
	o.mu.Unlock()
}

func (o *Orchestrator) setState(ctx context.Context, state domain.BotState) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	if err := o.repo.SaveBotState(ctx, state); err != nil {
		o.logger.Error(ctx, err, "Failed to persist orchestrator state", map[string]interface{}{"state": state})
	}
}

// sleepUntil converts the clock's next wake time into a timer duration.
func (o *Orchestrator) sleepUntil(now time.Time) time.Duration {
	d := time.Until(o.clock.NextWake(now))
	if d < time.Second {
		d = time.Second
	}
	return d
}
