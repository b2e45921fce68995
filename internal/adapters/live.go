package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/agent-trader/internal/observ"
)

// LiveConfig configures the brokerage/market gateway client.
type LiveConfig struct {
	BaseURL            string
	APIKey             string
	RateLimitPerMinute int
	Timeout            time.Duration
}

// LiveClient talks to an HTTP brokerage gateway. One client serves market data,
// sentiment, account state and order submission.
type LiveClient struct {
	baseURL     *url.URL
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func NewLiveClient(cfg LiveConfig) (*LiveClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("live gateway base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse live gateway URL: %w", err)
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &LiveClient{
		baseURL:     u,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 1),
	}, nil
}

type barResponse struct {
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type sentimentResponse struct {
	Score      float64 `json:"sentiment_score"`
	Confidence float64 `json:"confidence"`
	NewsCount  int     `json:"news_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *LiveClient) Bar(ctx context.Context, symbol string) (Bar, error) {
	symbol = normalizeSymbol(symbol)
	var resp barResponse
	if err := c.do(ctx, http.MethodGet, "/v1/bars/"+url.PathEscape(symbol), symbol, nil, &resp); err != nil {
		return Bar{}, err
	}
	if resp.Price <= 0 {
		return Bar{}, NewProviderError(symbol, fmt.Sprintf("invalid price %.4f", resp.Price), nil)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	return Bar{Symbol: symbol, Price: resp.Price, Volume: resp.Volume, Timestamp: resp.Timestamp, Source: "live"}, nil
}

func (c *LiveClient) Sentiment(ctx context.Context, symbol string) (Sentiment, error) {
	symbol = normalizeSymbol(symbol)
	var resp sentimentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sentiment/"+url.PathEscape(symbol), symbol, nil, &resp); err != nil {
		return Sentiment{}, err
	}
	return Sentiment{Score: resp.Score, Confidence: resp.Confidence, NewsCount: resp.NewsCount}, nil
}

func (c *LiveClient) Account(ctx context.Context) (Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/v1/account", "", nil, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (c *LiveClient) SubmitOrder(ctx context.Context, o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/orders", o.Symbol, o, nil)
}

func (c *LiveClient) do(ctx context.Context, method, path, symbol string, body, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return NewRateLimitError(symbol, err.Error())
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return NewNetworkError(symbol, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observ.RecordDuration("gateway_request", time.Since(start), map[string]string{"path": routeLabel(path)})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewTimeoutError(symbol, c.httpClient.Timeout, err)
		}
		return NewNetworkError(symbol, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewNetworkError(symbol, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimitError(symbol, "gateway rate limit")
	case resp.StatusCode == http.StatusNotFound && symbol != "":
		return NewBadSymbolError(symbol, "unknown symbol")
	case resp.StatusCode >= 300:
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		msg := e.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return NewProviderError(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewProviderError(symbol, "failed to parse response", err)
	}
	return nil
}

// routeLabel keeps metric cardinality bounded by dropping the symbol segment.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}

// maskAPIKey masks an API key for logging.
func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "***"
	}
	return apiKey[:4] + "***" + apiKey[len(apiKey)-4:]
}
