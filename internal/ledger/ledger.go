package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

// validTransitions is the position lifecycle state machine:
//
//	PENDING_ENTRY -> OPEN | VOID
//	OPEN          -> PENDING_EXIT | CLOSED
//	PENDING_EXIT  -> CLOSED | OPEN
//
// CLOSED and VOID are terminal; a position is never resurrected.
var validTransitions = map[domain.PositionStatus][]domain.PositionStatus{
	domain.StatusPendingEntry: {domain.StatusOpen, domain.StatusVoid},
	domain.StatusOpen:         {domain.StatusPendingExit, domain.StatusClosed, domain.StatusVoid},
	domain.StatusPendingExit:  {domain.StatusClosed, domain.StatusOpen},
}

// Snapshot is the execution backend's authoritative view handed to
// Reconcile: broker-side positions plus the status of every order the
// ledger has in flight.
type Snapshot struct {
	Positions []*ports.BrokerPosition
	Orders    map[string]*ports.BrokerOrder // keyed by broker order ID

	// MissingOrders holds order IDs the broker authoritatively reported as
	// unknown. An ID absent from both Orders and MissingOrders means the
	// status lookup failed this cycle and the order's fate is undetermined.
	MissingOrders map[string]struct{}
}

// orderGone reports whether the broker confirmed the order does not exist.
// An empty ID can never be looked up, so it counts as gone too.
func (s Snapshot) orderGone(id string) bool {
	if id == "" {
		return true
	}
	_, ok := s.MissingOrders[id]
	return ok
}

// Ledger is the in-process mirror of active positions. It owns the
// authoritative in-process set between reconciliations; the execution
// backend remains the system of record on fills, and the ledger reconciles
// toward it, never diverging silently.
type Ledger struct {
	repo   ports.LedgerRepository
	logger ports.Logger

	mu              sync.RWMutex
	active          map[string]*domain.Position // open or pending positions by symbol
	inconsistencies int
}

// New creates an empty ledger backed by the given repository.
func New(repo ports.LedgerRepository, logger ports.Logger) (*Ledger, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("ledger requires a repository and a logger")
	}
	return &Ledger{
		repo:   repo,
		logger: logger,
		active: make(map[string]*domain.Position),
	}, nil
}

// Restore reloads every open/pending position from the repository so a
// restart reproduces the identical ledger.
func (l *Ledger) Restore(ctx context.Context) error {
	positions, err := l.repo.FindActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = make(map[string]*domain.Position, len(positions))
	for _, pos := range positions {
		l.active[pos.Symbol] = pos
	}
	l.logger.Info(ctx, "Ledger restored", map[string]interface{}{"activePositions": len(positions)})
	return nil
}

// RecordEntry registers a confirmed entry submission as PENDING_ENTRY.
// It is never called from an unconfirmed intent: the handle proves the
// broker accepted the order.
func (l *Ledger) RecordEntry(ctx context.Context, intent *domain.OrderIntent, handle *domain.OrderHandle, now time.Time) (*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.active[intent.Symbol]; ok {
		return nil, fmt.Errorf("%w: symbol %s already has position %d in status %s",
			ports.ErrInvalidRequest, intent.Symbol, existing.ID, existing.Status)
	}

	entryPrice := intent.LimitPrice // 0 for market entries until the fill confirms
	pos := &domain.Position{
		Symbol:         intent.Symbol,
		Quantity:       intent.Quantity,
		EntryPrice:     entryPrice,
		EntryTime:      now,
		StopLoss:       intent.StopLoss,
		TakeProfit:     intent.TakeProfit,
		Status:         domain.StatusPendingEntry,
		PendingOrderID: handle.OrderID,
	}
	id, err := l.repo.CreatePosition(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to persist pending entry for %s: %w", intent.Symbol, err)
	}
	pos.ID = id
	l.active[intent.Symbol] = pos
	l.logger.Info(ctx, "Entry recorded", map[string]interface{}{
		"positionID": id, "symbol": pos.Symbol, "quantity": pos.Quantity, "orderID": handle.OrderID,
	})
	return pos, nil
}

// RecordExit marks an OPEN position PENDING_EXIT after a confirmed exit
// submission.
func (l *Ledger) RecordExit(ctx context.Context, symbol string, reason domain.ExitReason, handle *domain.OrderHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.active[symbol]
	if !ok {
		return fmt.Errorf("%w: no active position for %s", ports.ErrNotFound, symbol)
	}
	if err := transition(pos, domain.StatusPendingExit); err != nil {
		return err
	}
	pos.ExitReason = reason
	pos.PendingOrderID = handle.OrderID
	if err := l.repo.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist pending exit for %s: %w", symbol, err)
	}
	l.logger.Info(ctx, "Exit recorded", map[string]interface{}{
		"positionID": pos.ID, "symbol": symbol, "reason": reason, "orderID": handle.OrderID,
	})
	return nil
}

// Reconcile merges the execution backend's authoritative state into the
// ledger. Pending entries confirm to OPEN or fall to VOID; pending exits
// confirm to CLOSED or revert to OPEN; an OPEN position absent from the
// broker goes VOID with a logged inconsistency, never a silent drop.
// Pending orders whose status lookup failed this cycle stay pending;
// only an authoritative broker answer moves a position. Reconciling
// twice against an unchanged snapshot is a no-op the second time.
func (l *Ledger) Reconcile(ctx context.Context, snap Snapshot, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	brokerBySymbol := make(map[string]*ports.BrokerPosition, len(snap.Positions))
	for _, bp := range snap.Positions {
		brokerBySymbol[bp.Symbol] = bp
	}

	for symbol, pos := range l.active {
		var err error
		switch pos.Status {
		case domain.StatusPendingEntry:
			err = l.reconcilePendingEntry(ctx, pos, snap, brokerBySymbol[symbol], now)
		case domain.StatusOpen:
			err = l.reconcileOpen(ctx, pos, brokerBySymbol[symbol])
		case domain.StatusPendingExit:
			err = l.reconcilePendingExit(ctx, pos, snap, brokerBySymbol[symbol], now)
		}
		if err != nil {
			// Per-symbol isolation: log and keep reconciling the rest.
			l.logger.Error(ctx, err, "Reconciliation failed for symbol", map[string]interface{}{"symbol": symbol})
		}
		if pos.Status == domain.StatusClosed || pos.Status == domain.StatusVoid {
			delete(l.active, symbol)
		}
	}
	return nil
}

func (l *Ledger) reconcilePendingEntry(ctx context.Context, pos *domain.Position, snap Snapshot, bp *ports.BrokerPosition, now time.Time) error {
	order, known := snap.Orders[pos.PendingOrderID]
	switch {
	case known && order.Status == ports.OrderStatusFilled:
		if err := transition(pos, domain.StatusOpen); err != nil {
			return err
		}
		if order.FilledAvgPrice > 0 {
			pos.EntryPrice = order.FilledAvgPrice
		}
		if order.FilledQuantity > 0 {
			pos.Quantity = order.FilledQuantity
		}
		pos.EntryTime = now
		pos.PendingOrderID = ""
		if bp != nil {
			pos.Mark(bp.CurrentPrice)
		}
		l.logger.Info(ctx, "Entry fill confirmed", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "entryPrice": pos.EntryPrice, "quantity": pos.Quantity,
		})
	case known && isTerminal(order.Status):
		if err := transition(pos, domain.StatusVoid); err != nil {
			return err
		}
		pos.PendingOrderID = ""
		l.logger.Warn(ctx, "Entry order did not fill, position voided", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "orderStatus": order.Status,
		})
	case !known && snap.orderGone(pos.PendingOrderID) && bp != nil && bp.Quantity != 0:
		// The order itself is unresolvable, but the broker holds the
		// position: the entry filled.
		if err := transition(pos, domain.StatusOpen); err != nil {
			return err
		}
		pos.EntryPrice = bp.AvgEntryPrice
		pos.Quantity = bp.Quantity
		pos.EntryTime = now
		pos.PendingOrderID = ""
		pos.Mark(bp.CurrentPrice)
		l.logger.Info(ctx, "Entry confirmed from broker position record", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "entryPrice": pos.EntryPrice,
		})
	case !known && snap.orderGone(pos.PendingOrderID):
		// The broker confirmed neither an order nor a position exists.
		// Treat like a rejected entry rather than carrying a phantom
		// pending position forever.
		l.inconsistencies++
		if err := transition(pos, domain.StatusVoid); err != nil {
			return err
		}
		pos.PendingOrderID = ""
		l.logger.Error(ctx, ports.ErrLedgerInconsistency, "Pending entry order missing from broker", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol,
		})
	default:
		// Still working broker-side, or the status lookup failed this
		// cycle; retry on the next reconciliation. Voiding on a failed
		// lookup would let the engine submit a duplicate entry.
		return nil
	}
	return l.repo.UpdatePosition(ctx, pos)
}

func (l *Ledger) reconcileOpen(ctx context.Context, pos *domain.Position, bp *ports.BrokerPosition) error {
	if bp == nil {
		l.inconsistencies++
		if err := transition(pos, domain.StatusVoid); err != nil {
			return err
		}
		if err := l.repo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		l.logger.Error(ctx, ports.ErrLedgerInconsistency, "Open position vanished from broker record", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol,
		})
		return nil
	}
	pos.Mark(bp.CurrentPrice)
	return nil
}

func (l *Ledger) reconcilePendingExit(ctx context.Context, pos *domain.Position, snap Snapshot, bp *ports.BrokerPosition, now time.Time) error {
	order, known := snap.Orders[pos.PendingOrderID]
	switch {
	case !known && snap.orderGone(pos.PendingOrderID) && bp == nil:
		// The exit order is unresolvable and the broker no longer holds
		// the position: the exit went through. Close at the last mark.
		if err := transition(pos, domain.StatusClosed); err != nil {
			return err
		}
		exitPrice := pos.MarkPrice
		if exitPrice == 0 {
			exitPrice = pos.EntryPrice
		}
		pos.ExitPrice = exitPrice
		pos.ExitTime = now
		pos.RealizedPL = (exitPrice - pos.EntryPrice) * float64(pos.Quantity)
		pos.UnrealizedPL = 0
		pos.PendingOrderID = ""
		l.logger.Warn(ctx, "Exit confirmed from broker position record", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "exitPrice": exitPrice, "pnl": pos.RealizedPL, "reason": pos.ExitReason,
		})
	case !known && snap.orderGone(pos.PendingOrderID):
		// No exit order exists yet the broker still holds the position:
		// the submission never took effect. Reopen so the exit triggers
		// re-arm next cycle.
		if err := transition(pos, domain.StatusOpen); err != nil {
			return err
		}
		pos.ExitReason = ""
		pos.PendingOrderID = ""
		pos.Mark(bp.CurrentPrice)
		l.logger.Warn(ctx, "Exit order missing from broker, position reopened", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol,
		})
	case !known:
		// Order not visible yet or the status lookup failed; keep waiting.
		return nil
	case order.Status == ports.OrderStatusFilled:
		if err := transition(pos, domain.StatusClosed); err != nil {
			return err
		}
		exitPrice := order.FilledAvgPrice
		if exitPrice == 0 {
			exitPrice = pos.MarkPrice
		}
		pos.ExitPrice = exitPrice
		pos.ExitTime = now
		pos.RealizedPL = (exitPrice - pos.EntryPrice) * float64(pos.Quantity)
		pos.UnrealizedPL = 0
		pos.PendingOrderID = ""
		l.logger.Info(ctx, "Exit fill confirmed, position closed", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "exitPrice": exitPrice, "pnl": pos.RealizedPL, "reason": pos.ExitReason,
		})
	case isTerminal(order.Status):
		// Rejected or expired exit: back to OPEN, re-evaluated next cycle.
		if err := transition(pos, domain.StatusOpen); err != nil {
			return err
		}
		pos.ExitReason = ""
		pos.PendingOrderID = ""
		l.logger.Warn(ctx, "Exit order did not fill, position reopened", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "orderStatus": order.Status,
		})
	default:
		return nil
	}
	return l.repo.UpdatePosition(ctx, pos)
}

// MarkToMarket updates unrealized P&L for all OPEN positions from the
// supplied price map. Pure in-memory update, no external calls.
func (l *Ledger) MarkToMarket(priceBySymbol map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, pos := range l.active {
		if !pos.IsOpen() {
			continue
		}
		if price, ok := priceBySymbol[symbol]; ok && price > 0 {
			pos.Mark(price)
		}
	}
}

// Has reports whether the symbol currently occupies a position slot.
func (l *Ledger) Has(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.active[symbol]
	return ok
}

// Get returns a copy of the active position for the symbol, if any.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.active[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Active returns copies of all open/pending positions.
func (l *Ledger) Active() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.active))
	for _, pos := range l.active {
		out = append(out, *pos)
	}
	return out
}

// ActiveCount returns the number of positions counting toward the
// max-positions cap.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active)
}

// OpenCount returns the number of positions in OPEN status.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, pos := range l.active {
		if pos.IsOpen() {
			n++
		}
	}
	return n
}

// Inconsistencies returns how many ledger/broker divergences were detected
// since start. Surfaced in the orchestrator status.
func (l *Ledger) Inconsistencies() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inconsistencies
}

func transition(pos *domain.Position, to domain.PositionStatus) error {
	for _, allowed := range validTransitions[pos.Status] {
		if allowed == to {
			pos.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s for position %d (%s)", ports.ErrInvalidTransition, pos.Status, to, pos.ID, pos.Symbol)
}

func isTerminal(status string) bool {
	switch status {
	case ports.OrderStatusFilled, ports.OrderStatusCanceled, ports.OrderStatusRejected, ports.OrderStatusExpired:
		return true
	}
	return false
}
