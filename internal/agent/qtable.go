package agent

import "github.com/Rajchodisetti/agent-trader/internal/features"

// QTable maps a discrete state key to one action-value row. Rows exist only after Ensure.
type QTable struct {
	width int
	rows  map[string][]float64
}

func NewQTable(actions int) *QTable {
	return &QTable{width: actions, rows: map[string][]float64{}}
}

// Ensure inserts a zero row for key if absent and returns the row.
func (t *QTable) Ensure(key string) []float64 {
	row, ok := t.rows[key]
	if !ok {
		row = make([]float64, t.width)
		t.rows[key] = row
	}
	return row
}

// Lookup never inserts.
func (t *QTable) Lookup(key string) ([]float64, bool) {
	row, ok := t.rows[key]
	return row, ok
}

func (t *QTable) Len() int { return len(t.rows) }

func (t *QTable) Width() int { return t.width }

func stateKey(obs features.Observation) string { return obs.State.Key() }
