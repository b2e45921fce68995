package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/observ"
)

// Guard bounds every collaborator call by a timeout and converts failures into
// fallback values. The last failure reason is kept for status reporting.
type Guard struct {
	name    string
	timeout time.Duration

	mu       sync.Mutex
	degraded string
}

func NewGuard(name string, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Guard{name: name, timeout: timeout}
}

// Degraded returns the last failure reason, empty when the last call succeeded.
func (g *Guard) Degraded() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

func (g *Guard) ok() {
	g.mu.Lock()
	was := g.degraded
	g.degraded = ""
	g.mu.Unlock()
	if was != "" {
		observ.SetDegraded(g.name, "")
		observ.Log(g.name+"_recovered", nil)
	}
}

func (g *Guard) fail(symbol string, err error) {
	reason := err.Error()
	g.mu.Lock()
	g.degraded = reason
	g.mu.Unlock()
	observ.SetDegraded(g.name, reason)
	observ.IncCounter("collaborator_fallbacks_total", map[string]string{"collaborator": g.name})
	observ.Warn(g.name+"_fallback", map[string]any{"symbol": symbol, "reason": reason})
}

func (g *Guard) call(ctx context.Context, symbol string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = NewTimeoutError(symbol, g.timeout, err)
	}
	return err
}

// GuardedMarket serves the last good bar per symbol when the source fails.
// ErrExhausted is passed through; it ends an episode rather than degrading it.
type GuardedMarket struct {
	*Guard
	src      MarketData
	mu       sync.Mutex
	lastGood map[string]Bar
}

func NewGuardedMarket(src MarketData, timeout time.Duration) *GuardedMarket {
	return &GuardedMarket{Guard: NewGuard("market_data", timeout), src: src, lastGood: map[string]Bar{}}
}

func (m *GuardedMarket) Bar(ctx context.Context, symbol string) (Bar, error) {
	var bar Bar
	err := m.call(ctx, symbol, func(ctx context.Context) error {
		var err error
		bar, err = m.src.Bar(ctx, symbol)
		return err
	})
	if errors.Is(err, ErrExhausted) {
		return Bar{}, err
	}
	if err == nil && bar.Price > 0 {
		m.ok()
		m.mu.Lock()
		m.lastGood[symbol] = bar
		m.mu.Unlock()
		return bar, nil
	}
	if err == nil {
		err = NewProviderError(symbol, "non-positive price", nil)
	}
	m.fail(symbol, err)

	m.mu.Lock()
	last, ok := m.lastGood[symbol]
	m.mu.Unlock()
	if !ok {
		return Bar{}, err
	}
	last.Source = "fallback"
	return last, nil
}

// GuardedSentiment falls back to neutral sentiment.
type GuardedSentiment struct {
	*Guard
	src SentimentSource
}

func NewGuardedSentiment(src SentimentSource, timeout time.Duration) *GuardedSentiment {
	return &GuardedSentiment{Guard: NewGuard("sentiment", timeout), src: src}
}

// Sentiment never returns an error.
func (s *GuardedSentiment) Sentiment(ctx context.Context, symbol string) (Sentiment, error) {
	if s.src == nil {
		return NeutralSentiment(), nil
	}
	var out Sentiment
	err := s.call(ctx, symbol, func(ctx context.Context) error {
		var err error
		out, err = s.src.Sentiment(ctx, symbol)
		return err
	})
	if err != nil {
		s.fail(symbol, err)
		return NeutralSentiment(), nil
	}
	s.ok()
	return out, nil
}

// GuardedAccount falls back to the last good account, or to a cash-only account of
// the configured default value.
type GuardedAccount struct {
	*Guard
	src          AccountSource
	defaultValue float64

	mu       sync.Mutex
	lastGood *Account
}

func NewGuardedAccount(src AccountSource, timeout time.Duration, defaultValue float64) *GuardedAccount {
	return &GuardedAccount{Guard: NewGuard("account", timeout), src: src, defaultValue: defaultValue}
}

// Account never returns an error.
func (a *GuardedAccount) Account(ctx context.Context) (Account, error) {
	var acct Account
	err := a.call(ctx, "", func(ctx context.Context) error {
		var err error
		acct, err = a.src.Account(ctx)
		return err
	})
	if err == nil && acct.PortfolioValue > 0 {
		a.ok()
		a.mu.Lock()
		a.lastGood = &acct
		a.mu.Unlock()
		return acct, nil
	}
	if err == nil {
		err = NewProviderError("", "non-positive portfolio value", nil)
	}
	a.fail("", err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastGood != nil {
		return *a.lastGood, nil
	}
	return Account{Cash: a.defaultValue, PortfolioValue: a.defaultValue}, nil
}

// GuardedBroker bounds order submission by a timeout. Failures are returned, never hidden.
type GuardedBroker struct {
	*Guard
	dst Broker
}

func NewGuardedBroker(dst Broker, timeout time.Duration) *GuardedBroker {
	return &GuardedBroker{Guard: NewGuard("broker", timeout), dst: dst}
}

func (b *GuardedBroker) SubmitOrder(ctx context.Context, o Order) error {
	err := b.call(ctx, o.Symbol, func(ctx context.Context) error {
		return b.dst.SubmitOrder(ctx, o)
	})
	if err != nil {
		b.fail(o.Symbol, err)
		return err
	}
	b.ok()
	return nil
}
