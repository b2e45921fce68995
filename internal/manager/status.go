package manager

import (
	"context"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/controller"
	"github.com/Rajchodisetti/agent-trader/internal/observ"
	"github.com/Rajchodisetti/agent-trader/internal/risk"
)

// Totals aggregate the per-symbol ledgers.
type Totals struct {
	PortfolioValue   float64 `json:"portfolio_value"`
	Cash             float64 `json:"cash"`
	TotalTrades      int     `json:"total_trades"`
	SuccessfulTrades int     `json:"successful_trades"`
	WinRate          float64 `json:"win_rate"`
}

type PortfolioStatus struct {
	Mode       string                       `json:"mode"`
	Running    bool                         `json:"running"`
	Cycles     int                          `json:"cycles"`
	Symbols    map[string]controller.Status `json:"symbols"`
	Totals     Totals                       `json:"totals"`
	Risk       risk.Summary                 `json:"risk"`
	StopLosses []risk.StopLossTrigger       `json:"stop_losses"`
	Health     observ.HealthStatus          `json:"health"`
	Timestamp  time.Time                    `json:"timestamp"`
}

// PortfolioStatus never fails; collaborator trouble shows up as Degraded fields and health.
func (m *Manager) PortfolioStatus(ctx context.Context) PortfolioStatus {
	m.mu.Lock()
	st := PortfolioStatus{
		Mode:      m.mode,
		Running:   m.running,
		Cycles:    m.cycles,
		Symbols:   map[string]controller.Status{},
		Timestamp: m.opts.Now().UTC(),
	}
	m.mu.Unlock()

	prices := map[string]float64{}
	for _, c := range m.controllers() {
		s := c.Status()
		st.Symbols[s.Symbol] = s
		if s.Price > 0 {
			prices[s.Symbol] = s.Price
		}
		st.Totals.PortfolioValue += s.PortfolioValue
		st.Totals.Cash += s.Cash
		st.Totals.TotalTrades += s.Performance.TotalTrades
		st.Totals.SuccessfulTrades += s.Performance.SuccessfulTrades
	}
	if st.Totals.TotalTrades > 0 {
		st.Totals.WinRate = float64(st.Totals.SuccessfulTrades) / float64(st.Totals.TotalTrades)
	}

	st.Risk = m.deps.Gate.Summary(ctx)
	st.StopLosses = m.deps.Gate.CheckStopLosses(prices)
	st.Health = observ.Health()
	return st
}
