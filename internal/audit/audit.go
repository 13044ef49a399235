// Package audit keeps the append-only audit.jsonl trail of inbound chat
// messages and notable operations.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

// Entry is one audit record.
type Entry struct {
	Timestamp     time.Time `json:"ts"`
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`
	Channel       string    `json:"channel,omitempty"`
	Sender        string    `json:"sender,omitempty"`
	Summary       string    `json:"summary"`
}

// Log appends entries to one file.
type Log struct {
	path string
}

// New returns the audit log at path.
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one entry, assigning a correlation id if absent, and
// returns the id.
func (l *Log) Append(e Entry) (string, error) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()[:8]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := fsutil.AppendJSONL(l.path, e); err != nil {
		return "", err
	}
	return e.CorrelationID, nil
}

// Tail returns the last n entries. Unparseable lines are skipped.
func (l *Log) Tail(n int) ([]Entry, error) {
	lines, err := fsutil.TailLines(l.path, n)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
