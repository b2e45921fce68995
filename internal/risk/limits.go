package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rajchodisetti/agent-trader/internal/config"
)

var ErrInvalidLimits = errors.New("invalid risk limits")

// Limits are fixed for the life of a Gate.
type Limits struct {
	MaxPositionFraction float64 `json:"max_position_fraction"`
	MaxConcentration    float64 `json:"max_concentration"`
	StopLossThreshold   float64 `json:"stop_loss_threshold"`
	MaxDailyTrades      int     `json:"max_daily_trades"`
	MaxDailyLoss        float64 `json:"max_daily_loss"`
}

func LimitsFromConfig(r config.Risk) Limits {
	return Limits{
		MaxPositionFraction: r.MaxPositionFraction,
		MaxConcentration:    r.MaxConcentration,
		StopLossThreshold:   r.StopLossThreshold,
		MaxDailyTrades:      r.MaxDailyTrades,
		MaxDailyLoss:        r.MaxDailyLoss,
	}
}

func (l Limits) Validate() error {
	var bad []string
	if l.MaxPositionFraction <= 0 || l.MaxPositionFraction > 1 {
		bad = append(bad, fmt.Sprintf("max_position_fraction=%v", l.MaxPositionFraction))
	}
	if l.MaxConcentration <= 0 || l.MaxConcentration > 1 {
		bad = append(bad, fmt.Sprintf("max_concentration=%v", l.MaxConcentration))
	}
	if l.StopLossThreshold <= 0 || l.StopLossThreshold >= 1 {
		bad = append(bad, fmt.Sprintf("stop_loss_threshold=%v", l.StopLossThreshold))
	}
	if l.MaxDailyTrades <= 0 {
		bad = append(bad, fmt.Sprintf("max_daily_trades=%v", l.MaxDailyTrades))
	}
	if l.MaxDailyLoss <= 0 || l.MaxDailyLoss > 1 {
		bad = append(bad, fmt.Sprintf("max_daily_loss=%v", l.MaxDailyLoss))
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidLimits, strings.Join(bad, ", "))
	}
	return nil
}
