// Package manager owns the per-symbol controllers and drives the autonomous
// polling loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/adapters"
	"github.com/Rajchodisetti/agent-trader/internal/config"
	"github.com/Rajchodisetti/agent-trader/internal/controller"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

var (
	ErrRunning       = errors.New("agent loop is running; stop it first")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrUnknownMode   = errors.New("no broker configured for mode")
)

type Options struct {
	PollInterval     time.Duration
	OnlineEvery      int // reward samples between online learning passes
	OnlineIterations int
	PersistEvery     int // learning cycles between persistence
	RetrainSteps     int // used when Retrain is asked for zero steps
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.OnlineEvery <= 0 {
		o.OnlineEvery = 100
	}
	if o.OnlineIterations <= 0 {
		o.OnlineIterations = 200
	}
	if o.PersistEvery <= 0 {
		o.PersistEvery = 10
	}
	if o.RetrainSteps <= 0 {
		o.RetrainSteps = 50000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ControllerFactory builds a fresh controller for symbol executing through broker.
type ControllerFactory func(symbol, mode string, broker adapters.Broker) (*controller.Controller, error)

type Deps struct {
	Gate          *risk.Gate
	Store         storage.AgentStore // nil disables persistence
	Brokers       map[string]adapters.Broker
	NewController ControllerFactory
}

// Manager is safe for concurrent use. The loop goroutine and API callers meet on
// mu for manager state and on each controller's own mutex for symbol state.
type Manager struct {
	opts Options
	deps Deps

	mu          sync.Mutex
	mode        string
	symbols     []string
	ctrls       map[string]*controller.Controller
	learnedAt   map[string]int
	persistedAt map[string]int
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	cycles      int
}

func New(ctx context.Context, opts Options, deps Deps, mode string, symbols []string) (*Manager, error) {
	opts.applyDefaults()
	if deps.Gate == nil {
		return nil, fmt.Errorf("%w: risk gate is required", config.ErrInvalidConfig)
	}
	if deps.NewController == nil {
		return nil, fmt.Errorf("%w: controller factory is required", config.ErrInvalidConfig)
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if _, ok := deps.Brokers[mode]; !ok {
		return nil, fmt.Errorf("%w: %s: %q", config.ErrInvalidConfig, ErrUnknownMode, mode)
	}

	m := &Manager{
		opts:        opts,
		deps:        deps,
		mode:        mode,
		ctrls:       map[string]*controller.Controller{},
		learnedAt:   map[string]int{},
		persistedAt: map[string]int{},
	}
	if err := m.ConfigureSymbols(ctx, symbols); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the loop. Starting while running is a logged no-op. It returns the running flag.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		observ.Warn("agent_loop_already_running", map[string]any{"mode": m.mode})
		return true
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.running = true
	m.cancel = cancel
	m.done = done
	go m.loop(loopCtx, done)

	observ.Log("agent_loop_started", map[string]any{
		"mode":          m.mode,
		"symbols":       m.symbols,
		"poll_interval": m.opts.PollInterval.String(),
	})
	observ.SetGauge("agent_loop_running", 1, nil)
	return true
}

// Stop cancels the loop. The in-flight symbol tick finishes first; use Wait to join.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return false
	}
	m.running = false
	m.cancel()
	observ.Log("agent_loop_stopping", map[string]any{"cycles": m.cycles})
	observ.SetGauge("agent_loop_running", 0, nil)
	return false
}

// Wait blocks until the loop goroutine has exited or timeout elapses.
func (m *Manager) Wait(timeout time.Duration) bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// activeLocked reports whether the loop goroutine still exists, including while it drains after Stop.
func (m *Manager) activeLocked() bool {
	if m.running {
		return true
	}
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.done == done && m.running {
			m.running = false
			observ.SetGauge("agent_loop_running", 0, nil)
		}
		m.mu.Unlock()
		observ.Log("agent_loop_stopped", nil)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.runCycle(ctx)
		timer.Reset(m.opts.PollInterval)
	}
}

// runCycle ticks every symbol once, in configuration order.
func (m *Manager) runCycle(ctx context.Context) {
	start := time.Now()
	if m.deps.Gate.RolloverIfNeeded(m.opts.Now()) {
		observ.IncCounter("risk_daily_rollovers_total", nil)
	}

	ticked := 0
	for _, c := range m.controllers() {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.tick(ctx, c); err == nil {
			ticked++
		}
	}
	m.scanStopLosses()

	m.mu.Lock()
	m.cycles++
	cycle := m.cycles
	m.mu.Unlock()

	observ.RecordDuration("agent_cycle", time.Since(start), nil)
	observ.SetGauge("agent_loop_cycles", float64(cycle), nil)
	observ.Log("agent_cycle_complete", map[string]any{
		"cycle":       cycle,
		"symbols":     ticked,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (m *Manager) controllers() []*controller.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*controller.Controller, 0, len(m.symbols))
	for _, s := range m.symbols {
		out = append(out, m.ctrls[s])
	}
	return out
}

// tick runs one isolated cycle for c. A panic is contained to this symbol.
func (m *Manager) tick(ctx context.Context, c *controller.Controller) (res controller.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick %s: panic: %v", c.Symbol(), r)
			res = controller.StepResult{Symbol: c.Symbol(), Info: map[string]any{"reason": "tick_failed", "error": err.Error()}}
			observ.Error("symbol_tick_failed", err, map[string]any{"symbol": c.Symbol()})
			observ.IncCounter("symbol_tick_failures_total", map[string]string{"symbol": c.Symbol()})
		}
	}()
	res = c.Tick(ctx)
	m.maybeLearn(ctx, c)
	return res, nil
}

// maybeLearn runs online learning every OnlineEvery reward samples and persists
// every PersistEvery learning cycles.
func (m *Manager) maybeLearn(ctx context.Context, c *controller.Controller) {
	sym := c.Symbol()
	samples, _ := c.Counters()

	m.mu.Lock()
	due := samples-m.learnedAt[sym] >= m.opts.OnlineEvery
	if due {
		m.learnedAt[sym] = samples
	}
	m.mu.Unlock()
	if !due {
		return
	}

	c.OnlineLearn(ctx, m.opts.OnlineIterations)
	_, cycles := c.Counters()

	m.mu.Lock()
	persist := cycles-m.persistedAt[sym] >= m.opts.PersistEvery
	if persist {
		m.persistedAt[sym] = cycles
	}
	m.mu.Unlock()
	if persist {
		if err := m.persist(ctx, c); err != nil {
			observ.Error("agent_persist_failed", err, map[string]any{"symbol": sym})
		}
	}
}

func (m *Manager) scanStopLosses() {
	prices := map[string]float64{}
	for _, c := range m.controllers() {
		if p := c.LastPrice(); p > 0 {
			prices[c.Symbol()] = p
		}
	}
	for _, t := range m.deps.Gate.CheckStopLosses(prices) {
		observ.Warn("stop_loss_triggered", map[string]any{
			"symbol":        t.Symbol,
			"qty":           t.Quantity,
			"avg_price":     t.AvgPrice,
			"current_price": t.CurrentPrice,
			"loss_pct":      t.LossPct,
		})
	}
}

func (m *Manager) lookup(symbol string) (*controller.Controller, error) {
	symbol = normalize(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ctrls[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return c, nil
}

// TickSymbol runs one on-demand cycle for symbol outside the loop.
func (m *Manager) TickSymbol(ctx context.Context, symbol string) (controller.StepResult, error) {
	c, err := m.lookup(symbol)
	if err != nil {
		return controller.StepResult{}, err
	}
	return m.tick(ctx, c)
}

func (m *Manager) Evaluate(ctx context.Context, symbol string, episodes int) (controller.EvalResult, error) {
	c, err := m.lookup(symbol)
	if err != nil {
		return controller.EvalResult{}, err
	}
	return c.Evaluate(ctx, episodes)
}

// Retrain rebuilds the symbol's agent from scratch and persists the result.
// Zero steps means Options.RetrainSteps.
func (m *Manager) Retrain(ctx context.Context, symbol string, steps int) (controller.Performance, error) {
	c, err := m.lookup(symbol)
	if err != nil {
		return controller.Performance{}, err
	}
	if steps == 0 {
		steps = m.opts.RetrainSteps
	}
	perf, err := c.Retrain(ctx, steps)
	if err != nil {
		return perf, err
	}

	samples, cycles := c.Counters()
	m.mu.Lock()
	m.learnedAt[c.Symbol()] = samples
	m.persistedAt[c.Symbol()] = cycles
	m.mu.Unlock()

	if err := m.persist(ctx, c); err != nil {
		return perf, err
	}
	return perf, nil
}

// SwitchMode retargets every controller to mode's broker. It is rejected while
// the loop runs or is still draining.
func (m *Manager) SwitchMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return ErrRunning
	}
	broker, ok := m.deps.Brokers[mode]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	prev := m.mode
	for _, c := range m.ctrls {
		c.SetBroker(mode, broker)
	}
	m.mode = mode
	observ.Log("mode_switched", map[string]any{"from": prev, "to": mode})
	return nil
}

func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...)
}

// ConfigureSymbols replaces the symbol set. New symbols restore persisted state when
// available; removed symbols are persisted and dropped.
func (m *Manager) ConfigureSymbols(ctx context.Context, symbols []string) error {
	want := dedupe(symbols)
	if len(want) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", config.ErrInvalidConfig)
	}

	m.mu.Lock()
	mode := m.mode
	broker := m.deps.Brokers[mode]
	existing := make(map[string]*controller.Controller, len(m.ctrls))
	for k, v := range m.ctrls {
		existing[k] = v
	}
	m.mu.Unlock()

	next := make(map[string]*controller.Controller, len(want))
	var added []string
	for _, sym := range want {
		if c, ok := existing[sym]; ok {
			next[sym] = c
			continue
		}
		c, err := m.deps.NewController(sym, mode, broker)
		if err != nil {
			return fmt.Errorf("build controller %s: %w", sym, err)
		}
		m.restore(ctx, c)
		next[sym] = c
		added = append(added, sym)
	}

	var removed []string
	for sym, c := range existing {
		if _, keep := next[sym]; keep {
			continue
		}
		if err := m.persist(ctx, c); err != nil {
			observ.Error("agent_persist_failed", err, map[string]any{"symbol": sym})
		}
		removed = append(removed, sym)
	}
	sort.Strings(removed)

	m.mu.Lock()
	m.ctrls = next
	m.symbols = want
	for _, sym := range removed {
		delete(m.learnedAt, sym)
		delete(m.persistedAt, sym)
	}
	for _, sym := range added {
		samples, cycles := next[sym].Counters()
		m.learnedAt[sym] = samples
		m.persistedAt[sym] = cycles
	}
	m.mu.Unlock()

	observ.Log("symbols_configured", map[string]any{"symbols": want, "added": added, "removed": removed})
	observ.SetGauge("agent_symbols", float64(len(want)), nil)
	return nil
}

// SaveAll persists every controller, returning all failures joined.
func (m *Manager) SaveAll(ctx context.Context) error {
	var errs []error
	for _, c := range m.controllers() {
		if err := m.persist(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) persist(ctx context.Context, c *controller.Controller) error {
	if m.deps.Store == nil {
		return nil
	}
	rec, err := c.Export()
	if err != nil {
		return err
	}
	if err := m.deps.Store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save %s: %w", rec.Symbol, err)
	}
	observ.Log("agent_persisted", map[string]any{"symbol": rec.Symbol, "kind": rec.AgentKind})
	observ.IncCounter("agent_persist_total", map[string]string{"symbol": rec.Symbol})
	return nil
}

func (m *Manager) restore(ctx context.Context, c *controller.Controller) {
	if m.deps.Store == nil {
		return
	}
	rec, err := m.deps.Store.Load(ctx, c.Symbol())
	if errors.Is(err, storage.ErrNotFound) {
		observ.Log("agent_state_fresh", map[string]any{"symbol": c.Symbol()})
		return
	}
	if err == nil {
		err = c.Import(rec)
	}
	if err != nil {
		observ.Warn("agent_state_restore_failed", map[string]any{"symbol": c.Symbol(), "error": err.Error()})
		return
	}
	observ.Log("agent_state_restored", map[string]any{"symbol": c.Symbol(), "saved_at": rec.SavedAt})
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func dedupe(symbols []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range symbols {
		s = normalize(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
