package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MarketData returns the latest bar for a symbol.
type MarketData interface {
	Bar(ctx context.Context, symbol string) (Bar, error)
}

// AccountSource reports account-wide cash, value and positions.
type AccountSource interface {
	Account(ctx context.Context) (Account, error)
}

// SentimentSource reports aggregated news sentiment for a symbol.
type SentimentSource interface {
	Sentiment(ctx context.Context, symbol string) (Sentiment, error)
}

// Broker submits orders. A nil error means the order is accepted and booked.
type Broker interface {
	SubmitOrder(ctx context.Context, o Order) error
}

// ErrExhausted is returned by finite sources once every bar has been served.
var ErrExhausted = errors.New("market data exhausted")

type Bar struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "synthetic" | "replay" | "live" | "fallback"
}

type Sentiment struct {
	Score      float64 `json:"score"`      // [0,1], 0.5 neutral
	Confidence float64 `json:"confidence"` // [0,1]
	NewsCount  int     `json:"news_count"`
}

// NeutralSentiment is the value used whenever sentiment is unavailable.
func NeutralSentiment() Sentiment {
	return Sentiment{Score: 0.5}
}

type AccountPosition struct {
	Symbol      string  `json:"symbol"`
	Quantity    int     `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	MarketValue float64 `json:"market_value"`
}

type Account struct {
	Cash           float64           `json:"cash"`
	PortfolioValue float64           `json:"portfolio_value"`
	Positions      []AccountPosition `json:"positions"`
}

// Position looks up a symbol's holding.
func (a Account) Position(symbol string) (AccountPosition, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return AccountPosition{}, false
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	// SideOption debits a premium without creating a share position.
	SideOption Side = "option"
)

type Order struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Kind     string  `json:"kind,omitempty"` // "call" | "put" for option orders
}

// Validate rejects orders a broker must never see.
func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("empty symbol")
	}
	if o.Price <= 0 {
		return fmt.Errorf("invalid price %.4f", o.Price)
	}
	if o.Side != SideOption && o.Quantity <= 0 {
		return fmt.Errorf("invalid quantity %d", o.Quantity)
	}
	return nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// DataError is a transient collaborator failure. Callers recover with a fallback value.
type DataError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "timeout"
	Symbol  string
	Message string
	Cause   error
}

func (e *DataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error { return e.Cause }

func NewNetworkError(symbol, message string, cause error) *DataError {
	return &DataError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *DataError {
	return &DataError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *DataError {
	return &DataError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *DataError {
	return &DataError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewTimeoutError(symbol string, after time.Duration, cause error) *DataError {
	return &DataError{Type: "timeout", Symbol: symbol, Message: fmt.Sprintf("no answer within %v", after), Cause: cause}
}
