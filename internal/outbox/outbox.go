// Package outbox is an append-only JSONL journal for trade and performance records.
package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/agent-trader/internal/storage"
)

const (
	EntryTrade       = "trade"
	EntryPerformance = "performance"
)

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox appends one JSON line per record. Trade ids seen in this process are
// rejected as duplicates.
type Outbox struct {
	mu   sync.Mutex
	path string
	seen map[string]struct{}
}

var (
	_ storage.TradeSink       = (*Outbox)(nil)
	_ storage.PerformanceSink = (*Outbox)(nil)
)

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, seen: map[string]struct{}{}}, nil
}

func (o *Outbox) PersistTrade(ctx context.Context, t storage.TradeRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t.ID != "" {
		if _, dup := o.seen[t.ID]; dup {
			return storage.ErrDuplicateKey
		}
	}
	if err := o.appendEntry(EntryTrade, t); err != nil {
		return err
	}
	if t.ID != "" {
		o.seen[t.ID] = struct{}{}
	}
	return nil
}

func (o *Outbox) PersistPerformance(ctx context.Context, p storage.PerformanceRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.appendEntry(EntryPerformance, p)
}

func (o *Outbox) appendEntry(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// Trades reads back every trade entry, optionally filtered by symbol.
// Malformed lines are skipped.
func (o *Outbox) Trades(symbol string) ([]storage.TradeRecord, error) {
	var out []storage.TradeRecord
	err := o.scan(func(e Entry) {
		if e.Type != EntryTrade {
			return
		}
		var t storage.TradeRecord
		if json.Unmarshal(e.Data, &t) != nil {
			return
		}
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	})
	return out, err
}

func (o *Outbox) Performance(symbol string) ([]storage.PerformanceRecord, error) {
	var out []storage.PerformanceRecord
	err := o.scan(func(e Entry) {
		if e.Type != EntryPerformance {
			return
		}
		var p storage.PerformanceRecord
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	})
	return out, err
}

// HasTrade reports whether a trade with id has been journaled within window.
// A zero window matches any age.
func (o *Outbox) HasTrade(id string, window time.Duration) (bool, error) {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}
	found := false
	err := o.scan(func(e Entry) {
		if found || e.Type != EntryTrade || e.Event.Before(cutoff) {
			return
		}
		var t storage.TradeRecord
		if json.Unmarshal(e.Data, &t) == nil && t.ID == id {
			found = true
		}
	})
	return found, err
}

func (o *Outbox) scan(fn func(Entry)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}
