package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects event lines; tests use it to capture logs.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
}

// Log writes one JSON line with ts and event keys merged into kv.
func Log(event string, kv map[string]any) {
	emit("info", event, kv)
}

func Warn(event string, kv map[string]any) {
	emit("warn", event, kv)
}

func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	emit("error", event, kv)
}

func emit(level, event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+3)
	for k, v := range kv {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["event"] = event
	line["level"] = level
	b, err := json.Marshal(line)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"ts": line["ts"], "event": event, "level": level, "marshal_error": err.Error()})
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, string(b))
}
