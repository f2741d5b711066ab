package recommender

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/model"
)

func TestToSpec(t *testing.T) {
	in := model.Intent{Action: "buy", Confidence: 0.8, RiskLevel: "low", Reasoning: []string{"momentum"}}
	spec, err := ToSpec(in, Request{Symbol: "XYZ", Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, model.ActionBuy, spec.Action)
	assert.Equal(t, model.OrderTypeMarket, spec.Type)
	assert.Equal(t, model.RiskLow, spec.RiskLevel)
	assert.Equal(t, 0.8, spec.Confidence)
	assert.Equal(t, []string{"momentum"}, spec.Reasoning)

	_, err = ToSpec(model.Intent{Action: "HOLD"}, Request{Symbol: "XYZ", Quantity: 5})
	assert.True(t, errors.Is(err, ErrNoSignal))
}

func TestClient_ProduceIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/intent", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "XYZ":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"action":"SELL","confidence":0.4,"risk_level":"HIGH","reasoning":["gap down"]}`))
		case "FLAT":
			w.WriteHeader(http.StatusNoContent)
		case "HOLD":
			w.Write([]byte(`{"action":"HOLD"}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0)
	in, err := c.ProduceIntent(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, "XYZ", in.Symbol)
	assert.Equal(t, model.ActionSell, in.Action)
	assert.Equal(t, model.RiskHigh, in.RiskLevel)

	_, err = c.ProduceIntent(context.Background(), "FLAT")
	assert.True(t, errors.Is(err, ErrNoSignal))
	_, err = c.ProduceIntent(context.Background(), "HOLD")
	assert.True(t, errors.Is(err, ErrNoSignal))
	_, err = c.ProduceIntent(context.Background(), "ERR")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSignal))
}

func TestCrossover(t *testing.T) {
	_, err := NewCrossover(5, 5, 0)
	assert.Error(t, err)

	c, err := NewCrossover(2, 4, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []int64{10, 10, 10} {
		c.Observe("xyz", decimal.NewFromInt(p))
	}
	_, err = c.ProduceIntent(ctx, "XYZ")
	assert.True(t, errors.Is(err, ErrNoSignal), "warming up")

	c.Observe("XYZ", decimal.NewFromInt(14))
	in, err := c.ProduceIntent(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.ActionBuy, in.Action)
	assert.Greater(t, in.Confidence, 0.0)
	assert.LessOrEqual(t, in.Confidence, 1.0)

	for _, p := range []int64{8, 6} {
		c.Observe("XYZ", decimal.NewFromInt(p))
	}
	in, err = c.ProduceIntent(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.ActionSell, in.Action)
}

func TestCrossover_RSIFilter(t *testing.T) {
	c, err := NewCrossover(2, 3, 2)
	require.NoError(t, err)
	for _, p := range []int64{10, 11, 12, 13, 14} {
		c.Observe("XYZ", decimal.NewFromInt(p))
	}
	_, err = c.ProduceIntent(context.Background(), "XYZ")
	assert.True(t, errors.Is(err, ErrNoSignal), "straight rally is overbought")
}
