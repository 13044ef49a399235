// Package stream maintains the per-task append-only JSONL event stream of
// tool calls. The stream is the supervisor's primary source of truth about
// the worker: agent subprocesses produce little useful stdout when all work
// happens through tool calls.
package stream

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

// Entry is one recorded tool call.
type Entry struct {
	Timestamp     time.Time `json:"ts"`
	Role          string    `json:"role"`
	Tool          string    `json:"tool"`
	ArgsSummary   string    `json:"args"`
	ResultSummary string    `json:"result"`
	IsError       bool      `json:"is_error"`
	TaskID        string    `json:"task_id"`
}

// Stream appends to and reads one task's events.jsonl.
type Stream struct {
	path string
}

// ForTask returns the stream for a task directory.
func ForTask(taskDir string) *Stream {
	return &Stream{path: filepath.Join(taskDir, "events.jsonl")}
}

// Path returns the backing file path.
func (s *Stream) Path() string {
	return s.path
}

// Append writes one entry as a single line. Single-line appends are atomic
// on common filesystems, so concurrent writers do not interleave bytes.
func (s *Stream) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return fsutil.AppendJSONL(s.path, e)
}

// Tail returns the last n entries. Lines that fail to parse are skipped.
func (s *Stream) Tail(n int) ([]Entry, error) {
	lines, err := fsutil.TailLines(s.path, n)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the number of entries via a linear scan.
func (s *Stream) Count() (int, error) {
	lines, err := fsutil.TailLines(s.path, 0)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}
