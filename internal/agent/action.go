package agent

import "fmt"

type Action int

const (
	Hold Action = iota
	Buy
	Sell
	BuyCall
	BuyPut
)

// MaxActions is the size of the extended action set.
const MaxActions = 5

func (a Action) String() string {
	switch a {
	case Hold:
		return "hold"
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	case BuyCall:
		return "buy_call"
	case BuyPut:
		return "buy_put"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// IsOption reports whether a is one of the option purchases.
func (a Action) IsOption() bool { return a == BuyCall || a == BuyPut }

// ParseAction is the inverse of String.
func ParseAction(s string) (Action, error) {
	for a := Hold; a < MaxActions; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return Hold, fmt.Errorf("unknown action %q", s)
}
