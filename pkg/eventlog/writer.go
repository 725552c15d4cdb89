// Package eventlog mirrors job lifecycle events to daily rotated JSONL audit
// files. The store's job_events table stays the source of truth; these files
// exist so events can be tailed and shipped without touching the database.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one audit line.
type Record struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"ts"`
	JobID     int64          `json:"job_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Writer appends job events to daily rotated JSONL files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a writer with daily rotation in the specified directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Record appends one event line, rotating to a new file at day boundaries.
func (w *Writer) Record(jobID int64, eventType string, payload map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log file: %w", err)
	}

	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		JobID:     jobID,
		EventType: eventType,
		Payload:   payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize event record: %w", err)
	}

	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event record: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}
	return w.rotate(newDate)
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}
