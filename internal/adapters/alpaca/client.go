package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

const (
	liveBaseURL  = "https://api.alpaca.markets"
	paperBaseURL = "https://paper-api.alpaca.markets"
)

// Config holds the connection parameters for the Alpaca trading API.
type Config struct {
	APIKey    string
	SecretKey string
	Paper     bool   // Route to the paper-trading environment
	BaseURL   string // Override, used by tests
	Timeout   time.Duration
}

// Client implements ports.ExecutionGateway against the Alpaca REST API v2.
type Client struct {
	http   *resty.Client
	logger ports.Logger
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg Config, logger ports.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: Alpaca API key and secret are required", ports.ErrConfigurationError)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for alpaca.Client")
	}
	if cfg.BaseURL == "" {
		if cfg.Paper {
			cfg.BaseURL = paperBaseURL
		} else {
			cfg.BaseURL = liveBaseURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, logger: logger}, nil
}

// Wire types. Alpaca encodes numeric fields as JSON strings.

type accountResponse struct {
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
	Cash        string `json:"cash"`
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	Side           string     `json:"side"`
	Status         string     `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places a day order built from the intent. Entries are limit
// orders priced by the decision engine; exits are market orders.
func (c *Client) SubmitOrder(ctx context.Context, intent *domain.OrderIntent) (*domain.OrderHandle, error) {
	body := orderRequest{
		Symbol:      intent.Symbol,
		Qty:         strconv.FormatInt(intent.Quantity, 10),
		Side:        sideToWire(intent.Side),
		Type:        string(intent.Type),
		TimeInForce: "day",
	}
	if intent.Type == domain.Limit {
		body.LimitPrice = strconv.FormatFloat(intent.LimitPrice, 'f', 2, 64)
	}

	var (
		resp   orderResponse
		apiErr apiError
	)
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&resp).
		SetError(&apiErr).
		Post("/v2/orders")
	if err != nil {
		return nil, transportErr("submit order", err)
	}
	if r.IsError() {
		// 403 is insufficient buying power, 422 a malformed or unfillable
		// order. Both are definitive refusals, not transport trouble.
		if r.StatusCode() == http.StatusForbidden || r.StatusCode() == http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("%w: %s", ports.ErrOrderRejected, apiErr.Message)
		}
		return nil, statusErr("submit order", r.StatusCode(), apiErr.Message)
	}

	c.logger.Info(ctx, "Order submitted", map[string]interface{}{
		"orderID": resp.ID, "symbol": resp.Symbol, "side": resp.Side, "qty": resp.Qty,
	})
	handle := &domain.OrderHandle{
		OrderID:  resp.ID,
		Symbol:   resp.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Status:   resp.Status,
	}
	if resp.SubmittedAt != nil {
		handle.SubmittedAt = *resp.SubmittedAt
	} else {
		handle.SubmittedAt = time.Now()
	}
	return handle, nil
}

// GetAccountSnapshot reads current equity, buying power and cash.
func (c *Client) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	var (
		resp   accountResponse
		apiErr apiError
	)
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&apiErr).
		Get("/v2/account")
	if err != nil {
		return nil, transportErr("account", err)
	}
	if r.IsError() {
		return nil, statusErr("account", r.StatusCode(), apiErr.Message)
	}

	equity, err := parseMoney(resp.Equity, "equity")
	if err != nil {
		return nil, err
	}
	buyingPower, err := parseMoney(resp.BuyingPower, "buying_power")
	if err != nil {
		return nil, err
	}
	cash, err := parseMoney(resp.Cash, "cash")
	if err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		Equity:      equity,
		BuyingPower: buyingPower,
		Cash:        cash,
		TakenAt:     time.Now(),
	}, nil
}

// GetOpenPositions lists all broker-side holdings.
func (c *Client) GetOpenPositions(ctx context.Context) ([]*ports.BrokerPosition, error) {
	var (
		resp   []positionResponse
		apiErr apiError
	)
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&apiErr).
		Get("/v2/positions")
	if err != nil {
		return nil, transportErr("positions", err)
	}
	if r.IsError() {
		return nil, statusErr("positions", r.StatusCode(), apiErr.Message)
	}

	positions := make([]*ports.BrokerPosition, 0, len(resp))
	for _, p := range resp {
		bp, err := toBrokerPosition(p)
		if err != nil {
			return nil, err
		}
		positions = append(positions, bp)
	}
	return positions, nil
}

// GetOrder retrieves one order by broker ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*ports.BrokerOrder, error) {
	var (
		resp   orderResponse
		apiErr apiError
	)
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&apiErr).
		Get("/v2/orders/" + orderID)
	if err != nil {
		return nil, transportErr("get order", err)
	}
	if r.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: order %s", ports.ErrOrderNotFound, orderID)
	}
	if r.IsError() {
		return nil, statusErr("get order", r.StatusCode(), apiErr.Message)
	}
	return toBrokerOrder(resp)
}

// GetOpenOrders lists orders not yet in a terminal state.
func (c *Client) GetOpenOrders(ctx context.Context) ([]*ports.BrokerOrder, error) {
	var (
		resp   []orderResponse
		apiErr apiError
	)
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetResult(&resp).
		SetError(&apiErr).
		Get("/v2/orders")
	if err != nil {
		return nil, transportErr("open orders", err)
	}
	if r.IsError() {
		return nil, statusErr("open orders", r.StatusCode(), apiErr.Message)
	}

	orders := make([]*ports.BrokerOrder, 0, len(resp))
	for _, o := range resp {
		ord, err := toBrokerOrder(o)
		if err != nil {
			return nil, err
		}
		orders = append(orders, ord)
	}
	return orders, nil
}

// CancelOrder cancels an open order. An order already in a terminal state
// returns false without an error; reconciliation will pick up its outcome.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	var apiErr apiError
	r, err := c.http.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete("/v2/orders/" + orderID)
	if err != nil {
		return false, transportErr("cancel order", err)
	}
	switch r.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, fmt.Errorf("%w: order %s", ports.ErrOrderNotFound, orderID)
	case http.StatusUnprocessableEntity:
		// Already filled, cancelled or expired.
		return false, nil
	default:
		return false, fmt.Errorf("%w: cancel order: alpaca returned %d: %s", ports.ErrOrderCancelFailed, r.StatusCode(), apiErr.Message)
	}
}

func toBrokerPosition(p positionResponse) (*ports.BrokerPosition, error) {
	qty, err := strconv.ParseInt(p.Qty, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: position qty %q: %v", ports.ErrBrokerUnavailable, p.Qty, err)
	}
	if p.Side == "short" && qty > 0 {
		qty = -qty
	}
	avg, err := parseMoney(p.AvgEntryPrice, "avg_entry_price")
	if err != nil {
		return nil, err
	}
	cur, err := parseMoney(p.CurrentPrice, "current_price")
	if err != nil {
		return nil, err
	}
	mv, _ := strconv.ParseFloat(p.MarketValue, 64)
	upl, _ := strconv.ParseFloat(p.UnrealizedPL, 64)
	return &ports.BrokerPosition{
		Symbol:        p.Symbol,
		Quantity:      qty,
		AvgEntryPrice: avg,
		CurrentPrice:  cur,
		MarketValue:   mv,
		UnrealizedPL:  upl,
	}, nil
}

func toBrokerOrder(o orderResponse) (*ports.BrokerOrder, error) {
	qty, err := strconv.ParseInt(o.Qty, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: order qty %q: %v", ports.ErrBrokerUnavailable, o.Qty, err)
	}
	var filledQty int64
	if o.FilledQty != "" {
		filledQty, err = strconv.ParseInt(o.FilledQty, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: filled qty %q: %v", ports.ErrBrokerUnavailable, o.FilledQty, err)
		}
	}
	var filledAvg float64
	if o.FilledAvgPrice != nil && *o.FilledAvgPrice != "" {
		filledAvg, err = strconv.ParseFloat(*o.FilledAvgPrice, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: filled avg price %q: %v", ports.ErrBrokerUnavailable, *o.FilledAvgPrice, err)
		}
	}

	ord := &ports.BrokerOrder{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           wireToSide(o.Side),
		Quantity:       qty,
		FilledQuantity: filledQty,
		FilledAvgPrice: filledAvg,
		Status:         o.Status,
	}
	if o.SubmittedAt != nil {
		ord.SubmittedAt = *o.SubmittedAt
	}
	return ord, nil
}

func sideToWire(side domain.OrderSide) string {
	if side == domain.Sell {
		return "sell"
	}
	return "buy"
}

func wireToSide(side string) domain.OrderSide {
	if side == "sell" {
		return domain.Sell
	}
	return domain.Buy
}

func parseMoney(raw, field string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ports.ErrBrokerUnavailable, field, raw, err)
	}
	return v, nil
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ports.ErrBrokerUnavailable, op, err)
}

func statusErr(op string, code int, msg string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: alpaca returned %d: %s", ports.ErrAuthenticationFailed, op, code, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ports.ErrRateLimited, op)
	default:
		return fmt.Errorf("%w: %s: alpaca returned %d: %s", ports.ErrBrokerUnavailable, op, code, msg)
	}
}
