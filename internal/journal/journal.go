// Package journal keeps a bounded, file-backed record of lifecycle
// decisions for the /api/v1/events endpoint.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Journal struct {
	config Config
	events []Event
	mu     sync.RWMutex
}

type Config struct {
	Enabled   bool
	Path      string
	MaxEvents int
}

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"` // terminate, standby, orphan_marked, orphan_confirmed, admitted, rejected
	Environment string    `json:"environment"`
	Owner       string    `json:"owner,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Count       int       `json:"count,omitempty"`
}

// New creates a journal, loading prior events if the file exists.
func New(cfg Config) (*Journal, error) {
	j := &Journal{
		config: cfg,
		events: make([]Event, 0),
	}

	if cfg.Enabled && cfg.Path != "" {
		if err := j.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load journal: %w", err)
		}
	}

	return j, nil
}

// Record appends one event. A nil journal or disabled config is a no-op so
// callers never need to guard.
func (j *Journal) Record(event Event) error {
	if j == nil || !j.config.Enabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)

	if len(j.events) > j.config.MaxEvents {
		j.events = j.events[len(j.events)-j.config.MaxEvents:]
	}

	return j.persist()
}

// Recent returns up to count most recent events.
func (j *Journal) Recent(count int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if count > len(j.events) {
		count = len(j.events)
	}

	return append([]Event(nil), j.events[len(j.events)-count:]...)
}

func (j *Journal) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &j.events)
}

func (j *Journal) persist() error {
	data, err := json.MarshalIndent(j.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	return os.WriteFile(j.config.Path, data, 0644)
}
