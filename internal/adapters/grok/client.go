package grok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

const (
	defaultBaseURL = "https://api.x.ai/v1"
	defaultModel   = "grok-beta"
)

// Config holds the connection parameters for the Grok API.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int // Token-bucket rate applied before every call
}

// Client implements ports.AnalysisGateway against the Grok chat-completions
// API. One request produces one recommendation for one symbol.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  ports.Logger
	model   string
	timeout time.Duration
}

// NewClient validates the configuration and returns a ready client.
func NewClient(cfg Config, logger ports.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Grok API key is required", ports.ErrConfigurationError)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 10
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for grok.Client")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		logger:  logger,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// recPayload is the JSON document the model is instructed to emit.
type recPayload struct {
	Action        string  `json:"action"`
	Confidence    float64 `json:"confidence"`
	EntryPriceMax float64 `json:"entry_price_max"`
	TargetPrice   float64 `json:"target_price"`
	StopPrice     float64 `json:"stop_price"`
	Reasoning     string  `json:"reasoning"`
}

// GetRecommendation asks the model for a trading recommendation on one
// symbol. Transient failures are retried with exponential backoff inside
// the context deadline; any terminal failure maps to a ports sentinel so
// the caller can degrade the symbol to HOLD.
func (c *Client) GetRecommendation(ctx context.Context, symbol string, mc ports.MarketContext) (*domain.Recommendation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ports.ErrAnalysisUnavailable, err)
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(symbol, mc)},
		},
		Temperature: 0.2,
	}

	var resp chatResponse
	operation := func() error {
		r, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&resp).
			Post("/chat/completions")
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: grok request: %v", ports.ErrTimeout, err)
			}
			return fmt.Errorf("%w: grok request: %v", ports.ErrAnalysisUnavailable, err)
		}
		switch {
		case r.StatusCode() == http.StatusUnauthorized || r.StatusCode() == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: grok returned %d", ports.ErrAuthenticationFailed, r.StatusCode()))
		case r.StatusCode() == http.StatusTooManyRequests:
			return fmt.Errorf("%w: grok returned 429", ports.ErrRateLimited)
		case r.StatusCode() >= 400:
			return fmt.Errorf("%w: grok returned %d: %s", ports.ErrAnalysisUnavailable, r.StatusCode(), r.String())
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.timeout
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: grok response has no choices", ports.ErrAnalysisUnavailable)
	}
	rec, err := parseRecommendation(symbol, resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn(ctx, "Unparseable model output", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return nil, err
	}
	c.logger.Debug(ctx, "Recommendation received", map[string]interface{}{
		"symbol": symbol, "action": rec.Action, "confidence": rec.Confidence,
	})
	return rec, nil
}

const systemPrompt = `You are a swing-trading analyst for US equities. ` +
	`Respond with a single JSON object and nothing else, using exactly these keys: ` +
	`action ("BUY", "SELL" or "HOLD"), confidence (0.0-1.0), entry_price_max, ` +
	`target_price, stop_price, reasoning.`

func buildUserPrompt(symbol string, mc ports.MarketContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Evaluate %s for a swing trade with a multi-day horizon.\n", symbol)
	if mc.LastPrice > 0 {
		fmt.Fprintf(&sb, "Last traded price: %.2f.\n", mc.LastPrice)
	}
	if mc.HasPosition {
		fmt.Fprintf(&sb, "We hold a long position entered at %.2f. Advise HOLD to keep it or SELL to exit.\n", mc.EntryPrice)
	} else {
		sb.WriteString("We hold no position in this symbol. Advise BUY to enter or HOLD to stay out.\n")
	}
	fmt.Fprintf(&sb, "Portfolio currently has %d open positions.", mc.OpenPositions)
	return sb.String()
}

// parseRecommendation extracts the JSON object from the model output. The
// model sometimes wraps the document in prose or code fences, so everything
// outside the outermost braces is discarded.
func parseRecommendation(symbol, content string) (*domain.Recommendation, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model output", ports.ErrAnalysisUnavailable)
	}

	var payload recPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding model output: %v", ports.ErrAnalysisUnavailable, err)
	}

	var action domain.Action
	switch strings.ToUpper(strings.TrimSpace(payload.Action)) {
	case "BUY":
		action = domain.ActionBuy
	case "SELL":
		action = domain.ActionSell
	case "HOLD":
		action = domain.ActionHold
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ports.ErrAnalysisUnavailable, payload.Action)
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %.3f out of range", ports.ErrAnalysisUnavailable, payload.Confidence)
	}
	if action == domain.ActionBuy && payload.EntryPriceMax <= 0 {
		return nil, fmt.Errorf("%w: BUY without a positive entry_price_max", ports.ErrAnalysisUnavailable)
	}

	return &domain.Recommendation{
		Symbol:      symbol,
		Action:      action,
		Confidence:  payload.Confidence,
		EntryPrice:  payload.EntryPriceMax,
		TargetPrice: payload.TargetPrice,
		StopPrice:   payload.StopPrice,
		Reasoning:   strings.TrimSpace(payload.Reasoning),
		GeneratedAt: time.Now(),
	}, nil
}
