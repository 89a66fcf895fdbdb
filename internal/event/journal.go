// journal.go appends every published event to events.jsonl as one JSON
// line, the durable mirror of the live stream.
package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal writes append-only JSONL events to a file.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates a Journal that writes to .sluice/events.jsonl inside
// dir. Creates the .sluice/ directory if it does not already exist. Does
// not truncate an existing journal.
func NewJournal(dir string) (*Journal, error) {
	stateDir := filepath.Join(dir, ".sluice")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create .sluice directory: %w", err)
	}

	return &Journal{
		path: filepath.Join(stateDir, "events.jsonl"),
	}, nil
}

// Append writes a single event as one JSON line. If event.Time is the zero
// value, it is set to time.Now().UTC(). The file is opened in append mode,
// written, and closed. Thread-safe via mutex.
func (j *Journal) Append(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// ReadAll reads and parses every journaled event. Returns an empty slice
// (not an error) if the journal does not exist yet.
func (j *Journal) ReadAll() ([]Event, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	return events, nil
}
