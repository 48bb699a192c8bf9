// Package audit is the append-only lifecycle event sink. Writes are
// best-effort: a failed audit write never propagates into the lifecycle or
// recovery operation that produced it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctxvault/ctxvault/internal/shared"
)

type entry struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	eventCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "lifecycle.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for lifecycle_events table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EventCount returns the total number of recorded events since startup.
func EventCount() int64 {
	return eventCount.Load()
}

// Record appends a lifecycle event for the given session. Event data values
// are redacted before persistence. Errors are swallowed.
func Record(ctx context.Context, sessionID, eventType string, eventData map[string]any) {
	eventCount.Add(1)

	sanitized := make(map[string]any, len(eventData))
	for k, v := range eventData {
		if s, ok := v.(string); ok {
			sanitized[k] = shared.Redact(s)
			continue
		}
		sanitized[k] = v
	}

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			SessionID: sessionID,
			EventType: eventType,
			EventData: sanitized,
			TraceID:   shared.TraceID(ctx),
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Write to lifecycle_events table.
	if db != nil {
		dataJSON, err := json.Marshal(sanitized)
		if err != nil {
			dataJSON = []byte("{}")
		}
		_, _ = db.ExecContext(ctx, `
			INSERT INTO lifecycle_events (session_id, event_type, event_data, trace_id)
			VALUES (?, ?, ?, ?);
		`, sessionID, eventType, string(dataJSON), shared.TraceID(ctx))
	}
}
