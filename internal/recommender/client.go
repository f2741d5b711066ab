package recommender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autotrade/internal/model"
)

// Client asks a remote recommender service for intents over HTTP:
//
//	GET {baseURL}/intent?symbol=XYZ
//
// A 204 response, or an action of HOLD, is reported as ErrNoSignal.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. timeout <= 0 defaults to 5s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) ProduceIntent(ctx context.Context, symbol string) (model.Intent, error) {
	u := c.baseURL + "/intent?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Intent{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Intent{}, fmt.Errorf("recommender: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return model.Intent{}, fmt.Errorf("%w: %s", ErrNoSignal, symbol)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Intent{}, err
	}
	if resp.StatusCode >= 300 {
		return model.Intent{}, fmt.Errorf("recommender: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var in model.Intent
	if err := json.Unmarshal(body, &in); err != nil {
		return model.Intent{}, fmt.Errorf("recommender: decode intent: %w", err)
	}
	if strings.EqualFold(string(in.Action), "HOLD") {
		return model.Intent{}, fmt.Errorf("%w: %s", ErrNoSignal, symbol)
	}
	if in.Symbol == "" {
		in.Symbol = symbol
	}
	return in, nil
}
