package grok

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func chatReply(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	// The real Grok API responds with a JSON content type; resty only
	// unmarshals SetResult bodies when it sees one.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		APIKey:            "test-key",
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		RequestsPerMinute: 6000,
	}, &mockLogger{})
	require.NoError(t, err)
	return c
}

func TestClient_GetRecommendation(t *testing.T) {
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, chatReply(`{"action":"BUY","confidence":0.82,"entry_price_max":187.50,"target_price":215.0,"stop_price":178.0,"reasoning":"Momentum above the 50-day average."}`))
	})

	rec, err := c.GetRecommendation(context.Background(), "NVDA", ports.MarketContext{LastPrice: 186.2, OpenPositions: 1})
	require.NoError(t, err)
	assert.Equal(t, "NVDA", rec.Symbol)
	assert.Equal(t, domain.ActionBuy, rec.Action)
	assert.Equal(t, 0.82, rec.Confidence)
	assert.Equal(t, 187.50, rec.EntryPrice)
	assert.Equal(t, 215.0, rec.TargetPrice)
	assert.Equal(t, 178.0, rec.StopPrice)
	assert.NotEmpty(t, rec.Reasoning)
	assert.WithinDuration(t, time.Now(), rec.GeneratedAt, time.Second)

	// The prompt tells the model whether a position is held.
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "NVDA")
	assert.Contains(t, gotReq.Messages[1].Content, "no position")
}

func TestClient_GetRecommendation_HeldPositionPrompt(t *testing.T) {
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, chatReply(`{"action":"HOLD","confidence":0.5,"entry_price_max":0,"target_price":0,"stop_price":0,"reasoning":"No edge."}`))
	})

	rec, err := c.GetRecommendation(context.Background(), "AAPL", ports.MarketContext{
		LastPrice: 230.0, HasPosition: true, EntryPrice: 210.0,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionHold, rec.Action)
	assert.Contains(t, gotReq.Messages[1].Content, "entered at 210.00")
}

func TestClient_GetRecommendation_JSONWrappedInProse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		content := "Here is my assessment:\n```json\n" +
			`{"action":"SELL","confidence":0.7,"entry_price_max":0,"target_price":0,"stop_price":0,"reasoning":"Breakdown."}` +
			"\n```\nGood luck."
		fmt.Fprint(w, chatReply(content))
	})

	rec, err := c.GetRecommendation(context.Background(), "TSLA", ports.MarketContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSell, rec.Action)
}

func TestClient_GetRecommendation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "authentication failure is not retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantErr: ports.ErrAuthenticationFailed,
		},
		{
			name: "no JSON object in output",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, chatReply("I cannot help with that."))
			},
			wantErr: ports.ErrAnalysisUnavailable,
		},
		{
			name: "unknown action",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, chatReply(`{"action":"SHORT","confidence":0.9}`))
			},
			wantErr: ports.ErrAnalysisUnavailable,
		},
		{
			name: "confidence out of range",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, chatReply(`{"action":"HOLD","confidence":1.4}`))
			},
			wantErr: ports.ErrAnalysisUnavailable,
		},
		{
			name: "buy without entry price",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, chatReply(`{"action":"BUY","confidence":0.9,"entry_price_max":0}`))
			},
			wantErr: ports.ErrAnalysisUnavailable,
		},
		{
			name: "empty choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
			wantErr: ports.ErrAnalysisUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			rec, err := c.GetRecommendation(context.Background(), "NVDA", ports.MarketContext{})
			assert.Nil(t, rec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_GetRecommendation_RetriesServerErrors(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, chatReply(`{"action":"HOLD","confidence":0.4,"entry_price_max":0,"target_price":0,"stop_price":0,"reasoning":"Choppy."}`))
	})

	rec, err := c.GetRecommendation(context.Background(), "AMD", ports.MarketContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionHold, rec.Action)
	assert.Equal(t, 3, attempts)
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{}, &mockLogger{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}
