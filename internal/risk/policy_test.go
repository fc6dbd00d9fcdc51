package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

func defaultConfig() Config {
	return Config{
		MaxPositionSize: 0.25,
		MaxPositions:    4,
		StopLossPct:     0.05,
		TakeProfitPct:   0.15,
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid configuration", cfg: defaultConfig(), wantErr: false},
		{name: "zero position size", cfg: Config{MaxPositions: 4, StopLossPct: 0.05, TakeProfitPct: 0.15}, wantErr: true},
		{name: "position size above one", cfg: Config{MaxPositionSize: 1.5, MaxPositions: 4, StopLossPct: 0.05, TakeProfitPct: 0.15}, wantErr: true},
		{name: "zero max positions", cfg: Config{MaxPositionSize: 0.25, StopLossPct: 0.05, TakeProfitPct: 0.15}, wantErr: true},
		{name: "stop loss out of range", cfg: Config{MaxPositionSize: 0.25, MaxPositions: 4, StopLossPct: 1.0, TakeProfitPct: 0.15}, wantErr: true},
		{name: "zero take profit", cfg: Config{MaxPositionSize: 0.25, MaxPositions: 4, StopLossPct: 0.05}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, p)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, p)
			}
		})
	}
}

func TestPolicy_PositionSize(t *testing.T) {
	p, err := New(defaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name    string
		equity  float64
		price   float64
		wantQty int64
		wantErr error
	}{
		{name: "10k equity at 50 yields 50 shares", equity: 10000, price: 50, wantQty: 50},
		{name: "floors fractional shares", equity: 10000, price: 400, wantQty: 6}, // 2500/400 = 6.25
		{name: "price above budget", equity: 1000, price: 500, wantErr: ports.ErrInsufficientFunds},
		{name: "zero price rejected", equity: 10000, price: 0, wantErr: ports.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := &domain.AccountSnapshot{Equity: tt.equity, TakenAt: time.Now()}
			qty, err := p.PositionSize(account, tt.price)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, qty)
			// Cost must never exceed equity * MaxPositionSize.
			assert.LessOrEqual(t, float64(qty)*tt.price, tt.equity*0.25)
		})
	}
}

func TestPolicy_Thresholds(t *testing.T) {
	p, err := New(defaultConfig())
	require.NoError(t, err)

	stop, take := p.Thresholds(100.0, domain.Buy)
	assert.InDelta(t, 95.0, stop, 1e-9)
	assert.InDelta(t, 115.0, take, 1e-9)

	// Ordering invariant holds across entry prices.
	for _, entry := range []float64{0.01, 1, 42.5, 100, 3999.99} {
		stop, take := p.Thresholds(entry, domain.Buy)
		assert.Less(t, stop, entry)
		assert.Greater(t, take, entry)
	}

	// Short entries invert the formula.
	stop, take = p.Thresholds(100.0, domain.Sell)
	assert.InDelta(t, 105.0, stop, 1e-9)
	assert.InDelta(t, 85.0, take, 1e-9)
}

func TestPolicy_CanOpenNewPosition(t *testing.T) {
	p, err := New(defaultConfig())
	require.NoError(t, err)

	assert.True(t, p.CanOpenNewPosition(0, false))
	assert.True(t, p.CanOpenNewPosition(3, false))
	assert.False(t, p.CanOpenNewPosition(4, false), "cap reached")
	assert.False(t, p.CanOpenNewPosition(1, true), "symbol already held")
}

func TestPolicy_ValidateIntent(t *testing.T) {
	p, err := New(defaultConfig())
	require.NoError(t, err)
	account := &domain.AccountSnapshot{Equity: 10000}

	valid := &domain.OrderIntent{
		Symbol: "NVDA", Side: domain.Buy, Quantity: 50, Type: domain.Market,
		StopLoss: 47.5, TakeProfit: 57.5,
	}
	assert.NoError(t, p.ValidateIntent(valid, account))

	oversized := &domain.OrderIntent{
		Symbol: "NVDA", Side: domain.Buy, Quantity: 500, Type: domain.Limit,
		LimitPrice: 50, StopLoss: 47.5, TakeProfit: 57.5,
	}
	assert.ErrorIs(t, p.ValidateIntent(oversized, account), ports.ErrRiskLimitExceeded)

	badThresholds := &domain.OrderIntent{
		Symbol: "NVDA", Side: domain.Buy, Quantity: 10, Type: domain.Limit,
		LimitPrice: 50, StopLoss: 60, TakeProfit: 55,
	}
	assert.ErrorIs(t, p.ValidateIntent(badThresholds, account), ports.ErrRiskLimitExceeded)

	zeroQty := &domain.OrderIntent{Symbol: "NVDA", Side: domain.Sell, Quantity: 0, Reason: domain.ExitReasonSignal}
	assert.ErrorIs(t, p.ValidateIntent(zeroQty, account), ports.ErrRiskLimitExceeded)
}
