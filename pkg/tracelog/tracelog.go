// Package tracelog writes the conductor's loop events to a JSONL trace file
// under a study's logs/ directory (spec.md §6 workspace layout), one line
// per event, flushed and synced immediately so a crash never loses an
// already-applied state transition from the log.
package tracelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Event is one recorded occurrence in the conductor's control loop.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // transition, submit, cancel, restart, resubmit
	NodeID    string    `json:"node_id,omitempty"`
	State     string    `json:"state,omitempty"`
	SubmitID  string    `json:"submit_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Writer appends Events as JSON lines to a file, flushing and syncing after
// every write.
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// Open creates or appends to the trace log at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Writer{file: f, writer: w, enc: json.NewEncoder(w)}, nil
}

// Write appends ev and flushes it to stable storage before returning.
func (w *Writer) Write(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync trace log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
