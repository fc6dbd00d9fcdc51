package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingbot/internal/clock"
	"swingbot/internal/domain"
	"swingbot/internal/engine"
	"swingbot/internal/ledger"
	"swingbot/internal/ports"
	"swingbot/internal/risk"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRepo struct {
	nextID   int64
	active   []*domain.Position
	botState domain.BotState
}

func (m *mockRepo) CreatePosition(ctx context.Context, pos *domain.Position) (int64, error) {
	m.nextID++
	pos.ID = m.nextID
	return pos.ID, nil
}
func (m *mockRepo) UpdatePosition(ctx context.Context, pos *domain.Position) error { return nil }
func (m *mockRepo) FindActivePositions(ctx context.Context) ([]*domain.Position, error) {
	return m.active, nil
}
func (m *mockRepo) FindAllPositions(ctx context.Context) ([]*domain.Position, error) {
	return m.active, nil
}
func (m *mockRepo) GetTotalRealizedPL(ctx context.Context) (float64, error) { return 0, nil }
func (m *mockRepo) SaveBotState(ctx context.Context, state domain.BotState) error {
	m.botState = state
	return nil
}
func (m *mockRepo) LoadBotState(ctx context.Context) (domain.BotState, error) {
	if m.botState == "" {
		return domain.StateStopped, nil
	}
	return m.botState, nil
}

type mockAnalysis struct {
	recs  map[string]*domain.Recommendation
	errs  map[string]error
	calls []string
}

func (m *mockAnalysis) GetRecommendation(ctx context.Context, symbol string, mc ports.MarketContext) (*domain.Recommendation, error) {
	m.calls = append(m.calls, symbol)
	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	if rec, ok := m.recs[symbol]; ok {
		return rec, nil
	}
	return nil, ports.ErrAnalysisUnavailable
}

type mockExecution struct {
	account    *domain.AccountSnapshot
	accountErr error
	positions  []*ports.BrokerPosition
	orders     map[string]*ports.BrokerOrder
	orderErr   error
	openOrders []*ports.BrokerOrder
	submitErr  error
	submitted  []*domain.OrderIntent
	cancelled  []string
}

func (m *mockExecution) SubmitOrder(ctx context.Context, intent *domain.OrderIntent) (*domain.OrderHandle, error) {
	cp := *intent
	m.submitted = append(m.submitted, &cp)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &domain.OrderHandle{
		OrderID:     "ord-" + intent.Symbol,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Quantity:    intent.Quantity,
		Status:      "new",
		SubmittedAt: time.Now(),
	}, nil
}
func (m *mockExecution) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	return m.account, nil
}
func (m *mockExecution) GetOpenPositions(ctx context.Context) ([]*ports.BrokerPosition, error) {
	return m.positions, nil
}
func (m *mockExecution) GetOrder(ctx context.Context, orderID string) (*ports.BrokerOrder, error) {
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	if ord, ok := m.orders[orderID]; ok {
		return ord, nil
	}
	return nil, ports.ErrOrderNotFound
}
func (m *mockExecution) GetOpenOrders(ctx context.Context) ([]*ports.BrokerOrder, error) {
	return m.openOrders, nil
}
func (m *mockExecution) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.cancelled = append(m.cancelled, orderID)
	return true, nil
}

type fixture struct {
	orch *Orchestrator
	exec *mockExecution
	anal *mockAnalysis
	repo *mockRepo
	led  *ledger.Ledger
}

func newFixture(t *testing.T, symbols ...string) *fixture {
	t.Helper()
	logger := &mockLogger{}
	repo := &mockRepo{}

	led, err := ledger.New(repo, logger)
	require.NoError(t, err)

	policy, err := risk.New(risk.Config{MaxPositionSize: 0.25, MaxPositions: 4, StopLossPct: 0.05, TakeProfitPct: 0.15})
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{MinConfidence: 0.6, PollInterval: 10 * time.Minute}, policy, logger)
	require.NoError(t, err)

	clk, err := clock.New(clock.Config{
		Start: "09:30", End: "16:00", Buffer: 10 * time.Minute,
		PollInterval: 10 * time.Minute, Timezone: "America/New_York",
	})
	require.NoError(t, err)

	exec := &mockExecution{
		account: &domain.AccountSnapshot{Equity: 100000, BuyingPower: 100000, Cash: 100000, TakenAt: time.Now()},
		orders:  map[string]*ports.BrokerOrder{},
	}
	anal := &mockAnalysis{recs: map[string]*domain.Recommendation{}, errs: map[string]error{}}

	orch, err := New(Config{
		Symbols:                 symbols,
		GatewayTimeout:          time.Second,
		MaxConsecutiveExecFails: 3,
		PaperTrading:            true,
	}, logger, anal, exec, eng, led, clk, repo)
	require.NoError(t, err)

	orch.mu.Lock()
	orch.state = domain.StateRunning
	orch.mu.Unlock()

	return &fixture{orch: orch, exec: exec, anal: anal, repo: repo, led: led}
}

func buyRec(symbol string, now time.Time) *domain.Recommendation {
	return &domain.Recommendation{
		Symbol:      symbol,
		Action:      domain.ActionBuy,
		Confidence:  0.8,
		EntryPrice:  100,
		TargetPrice: 115,
		StopPrice:   95,
		GeneratedAt: now,
	}
}

func TestOrchestrator_CycleOpensPosition(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)

	f.orch.runCycle(context.Background(), now)

	require.Len(t, f.exec.submitted, 1)
	intent := f.exec.submitted[0]
	assert.Equal(t, domain.Buy, intent.Side)
	assert.Equal(t, int64(250), intent.Quantity) // 100000 * 0.25 / 100
	assert.Equal(t, domain.Limit, intent.Type)

	pos, ok := f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPendingEntry, pos.Status)
	assert.Equal(t, "ord-NVDA", pos.PendingOrderID)
}

func TestOrchestrator_PendingFillConfirmedNextCycle(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.orch.runCycle(context.Background(), now)
	require.Len(t, f.exec.submitted, 1)

	// Broker reports the fill before the second cycle.
	delete(f.anal.recs, "NVDA")
	f.exec.orders["ord-NVDA"] = &ports.BrokerOrder{
		OrderID: "ord-NVDA", Symbol: "NVDA", Side: domain.Buy,
		Quantity: 250, FilledQuantity: 250, FilledAvgPrice: 99.5,
		Status: ports.OrderStatusFilled,
	}
	f.exec.positions = []*ports.BrokerPosition{
		{Symbol: "NVDA", Quantity: 250, AvgEntryPrice: 99.5, CurrentPrice: 101},
	}

	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))

	pos, ok := f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, 99.5, pos.EntryPrice)
	assert.InDelta(t, 375.0, pos.UnrealizedPL, 0.01) // (101-99.5)*250
	// No new orders were submitted while holding.
	assert.Len(t, f.exec.submitted, 1)
}

func TestOrchestrator_AnalysisFailureIsolatedPerSymbol(t *testing.T) {
	f := newFixture(t, "NVDA", "AMD")
	now := time.Now()
	f.anal.errs["NVDA"] = ports.ErrAnalysisUnavailable
	f.anal.recs["AMD"] = buyRec("AMD", now)

	f.orch.runCycle(context.Background(), now)

	// NVDA degrades to HOLD; AMD still trades.
	require.Len(t, f.exec.submitted, 1)
	assert.Equal(t, "AMD", f.exec.submitted[0].Symbol)
	assert.ElementsMatch(t, []string{"NVDA", "AMD"}, f.anal.calls)
}

func TestOrchestrator_EmergencyStopLiquidatesAndHalts(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()

	// Get a position open and filled first.
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.orch.runCycle(context.Background(), now)
	f.exec.orders["ord-NVDA"] = &ports.BrokerOrder{
		OrderID: "ord-NVDA", Symbol: "NVDA", Side: domain.Buy,
		Quantity: 250, FilledQuantity: 250, FilledAvgPrice: 100,
		Status: ports.OrderStatusFilled,
	}
	f.exec.positions = []*ports.BrokerPosition{
		{Symbol: "NVDA", Quantity: 250, AvgEntryPrice: 100, CurrentPrice: 102},
	}
	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))
	pos, _ := f.led.Get("NVDA")
	require.Equal(t, domain.StatusOpen, pos.Status)

	f.exec.openOrders = []*ports.BrokerOrder{{OrderID: "stray-1", Symbol: "AMD"}}
	f.orch.emergencyStop(context.Background(), "test")

	assert.Equal(t, domain.StateEmergencyStopped, f.orch.State())
	assert.Equal(t, domain.StateEmergencyStopped, f.repo.botState)
	assert.Equal(t, []string{"stray-1"}, f.exec.cancelled)

	last := f.exec.submitted[len(f.exec.submitted)-1]
	assert.Equal(t, domain.Sell, last.Side)
	assert.Equal(t, domain.Market, last.Type)
	assert.Equal(t, domain.ExitReasonEmergencyStop, last.Reason)
	assert.Equal(t, int64(250), last.Quantity)

	pos, _ = f.led.Get("NVDA")
	assert.Equal(t, domain.StatusPendingExit, pos.Status)

	// A second trigger is a no-op.
	submissions := len(f.exec.submitted)
	f.orch.emergencyStop(context.Background(), "again")
	assert.Len(t, f.exec.submitted, submissions)
}

func TestOrchestrator_EmergencyFlagBlocksEntriesMidCycle(t *testing.T) {
	f := newFixture(t, "NVDA", "AMD")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.anal.recs["AMD"] = buyRec("AMD", now)

	f.orch.emergencyPending.Store(true)
	f.orch.runCycle(context.Background(), now)

	assert.Empty(t, f.exec.submitted)
}

func TestOrchestrator_ResumeRequiresEmergencyState(t *testing.T) {
	f := newFixture(t, "NVDA")
	assert.ErrorIs(t, f.orch.Resume(), ports.ErrNotInEmergencyState)

	f.orch.emergencyStop(context.Background(), "test")
	require.Equal(t, domain.StateEmergencyStopped, f.orch.State())

	require.NoError(t, f.orch.handleCommand(context.Background(), cmdResume))
	assert.Equal(t, domain.StateRunning, f.orch.State())
	assert.Equal(t, domain.StateRunning, f.repo.botState)
	assert.Equal(t, 0, f.orch.Status().ConsecutiveExecFailures)
}

func TestOrchestrator_ConsecutiveExecFailuresTripEmergencyStop(t *testing.T) {
	f := newFixture(t, "NVDA")
	f.exec.accountErr = ports.ErrBrokerUnavailable
	now := time.Now()

	f.orch.runCycle(context.Background(), now)
	f.orch.runCycle(context.Background(), now)
	assert.Equal(t, domain.StateRunning, f.orch.State())

	f.orch.runCycle(context.Background(), now)
	assert.Equal(t, domain.StateEmergencyStopped, f.orch.State())
	assert.Equal(t, 3, f.orch.Status().ConsecutiveExecFailures)
}

func TestOrchestrator_ExecFailureCounterResetsOnSuccess(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()

	f.exec.accountErr = ports.ErrBrokerUnavailable
	f.orch.runCycle(context.Background(), now)
	f.orch.runCycle(context.Background(), now)
	assert.Equal(t, 2, f.orch.Status().ConsecutiveExecFailures)

	f.exec.accountErr = nil
	f.orch.runCycle(context.Background(), now)
	assert.Equal(t, 0, f.orch.Status().ConsecutiveExecFailures)
	assert.Equal(t, domain.StateRunning, f.orch.State())
}

func TestOrchestrator_SubmitTimeoutRecordsPendingAnyway(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.exec.submitErr = ports.ErrTimeout

	f.orch.runCycle(context.Background(), now)

	// The submission may have reached the broker. The position is tracked
	// as pending so reconciliation can resolve it, and nothing resubmits.
	pos, ok := f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPendingEntry, pos.Status)
	assert.Empty(t, pos.PendingOrderID)
	assert.Equal(t, 1, f.orch.Status().ConsecutiveExecFailures)

	// If the broker shows a position next cycle, the entry is confirmed.
	delete(f.anal.recs, "NVDA")
	f.exec.submitErr = nil
	f.exec.positions = []*ports.BrokerPosition{
		{Symbol: "NVDA", Quantity: 250, AvgEntryPrice: 99.0, CurrentPrice: 100.0},
	}
	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))

	pos, ok = f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, 99.0, pos.EntryPrice)
	assert.Len(t, f.exec.submitted, 1)
}

func TestOrchestrator_SubmitTimeoutWithNoBrokerRecordIsVoided(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.exec.submitErr = ports.ErrTimeout
	f.orch.runCycle(context.Background(), now)

	// Nothing at the broker next cycle: the phantom entry is voided and
	// reported, never resubmitted.
	delete(f.anal.recs, "NVDA")
	f.exec.submitErr = nil
	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))

	_, ok := f.led.Get("NVDA")
	assert.False(t, ok)
	assert.Equal(t, 1, f.orch.Status().LedgerInconsistencies)
	assert.Len(t, f.exec.submitted, 1)
}

func TestOrchestrator_TransientOrderLookupFailureKeepsPending(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.orch.runCycle(context.Background(), now)
	require.Len(t, f.exec.submitted, 1)

	// The status lookup fails next cycle. The entry must stay pending, not
	// void; voiding frees the symbol slot for a duplicate BUY.
	delete(f.anal.recs, "NVDA")
	f.exec.orderErr = ports.ErrBrokerUnavailable
	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))

	pos, ok := f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPendingEntry, pos.Status)
	assert.Equal(t, 0, f.orch.Status().LedgerInconsistencies)
	assert.Len(t, f.exec.submitted, 1)

	// The lookup recovers and the fill confirms normally.
	f.exec.orderErr = nil
	f.exec.orders["ord-NVDA"] = &ports.BrokerOrder{
		OrderID: "ord-NVDA", Symbol: "NVDA", Side: domain.Buy,
		Quantity: 250, FilledQuantity: 250, FilledAvgPrice: 99.5,
		Status: ports.OrderStatusFilled,
	}
	f.exec.positions = []*ports.BrokerPosition{
		{Symbol: "NVDA", Quantity: 250, AvgEntryPrice: 99.5, CurrentPrice: 100},
	}
	f.orch.runCycle(context.Background(), now.Add(20*time.Minute))

	pos, ok = f.led.Get("NVDA")
	require.True(t, ok)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Len(t, f.exec.submitted, 1)
}

func TestOrchestrator_ConfirmedMissingEntryOrderIsVoided(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.orch.runCycle(context.Background(), now)
	require.Len(t, f.exec.submitted, 1)

	// The broker answers the lookup with not-found and holds no position:
	// the order is authoritatively gone, so the entry voids.
	delete(f.anal.recs, "NVDA")
	f.orch.runCycle(context.Background(), now.Add(10*time.Minute))

	_, ok := f.led.Get("NVDA")
	assert.False(t, ok)
	assert.Equal(t, 1, f.orch.Status().LedgerInconsistencies)
	assert.Len(t, f.exec.submitted, 1)
}

func TestOrchestrator_CommandDuringShutdownIsResolved(t *testing.T) {
	f := newFixture(t, "NVDA")

	// Stage a loop that is about to exit: running, with a live done channel.
	done := make(chan struct{})
	f.orch.mu.Lock()
	f.orch.loopDone = done
	f.orch.mu.Unlock()
	f.orch.running.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- f.orch.enqueue(cmdEmergencyStop) }()
	require.Eventually(t, func() bool { return len(f.orch.commands) == 1 }, time.Second, time.Millisecond)

	// The loop exits without consuming the queued command.
	f.orch.running.Store(false)
	f.orch.drainCommands()
	close(done)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("command was never answered after the loop exited")
	}
	assert.Equal(t, domain.StateEmergencyStopped, f.orch.State())

	// Control calls after shutdown are handled inline, not queued.
	require.NoError(t, f.orch.Resume())
	assert.Equal(t, domain.StateRunning, f.orch.State())
}

func TestOrchestrator_OrderRejectionDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.exec.submitErr = ports.ErrOrderRejected

	f.orch.runCycle(context.Background(), now)

	assert.Equal(t, 0, f.orch.Status().ConsecutiveExecFailures)
	// Nothing pending: the broker definitively refused the order.
	_, ok := f.led.Get("NVDA")
	assert.False(t, ok)
}

func TestOrchestrator_StatusAndOpenOrders(t *testing.T) {
	f := newFixture(t, "NVDA")
	now := time.Now()
	f.anal.recs["NVDA"] = buyRec("NVDA", now)
	f.orch.runCycle(context.Background(), now)

	st := f.orch.Status()
	assert.Equal(t, domain.StateRunning, st.State)
	assert.Equal(t, 100000.0, st.Equity)
	assert.Equal(t, 1, st.ActivePositions)
	assert.Equal(t, 0, st.OpenPositions)
	assert.True(t, st.PaperTrading)

	orders := f.orch.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "NVDA", orders[0].Symbol)
	assert.Equal(t, "ord-NVDA", orders[0].OrderID)
	assert.Equal(t, domain.StatusPendingEntry, orders[0].Status)
}

func TestOrchestrator_RunRestoresEmergencyStateAndRejectsDoubleStart(t *testing.T) {
	f := newFixture(t, "NVDA")
	f.repo.botState = domain.StateEmergencyStopped

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	// Wait until the loop is up, then verify the double-start guard.
	require.Eventually(t, func() bool { return f.orch.running.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.orch.Run(ctx), ports.ErrAlreadyRunning)
	require.Eventually(t, func() bool {
		return f.orch.State() == domain.StateEmergencyStopped
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, domain.StateStopped, f.orch.State())
}
