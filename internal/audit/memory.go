package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps events in process memory. Suitable for tests and the CLI.
type MemorySink struct {
	mu     sync.RWMutex
	nextID int64
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e = prepare(e, time.Now())
	e.ID = m.nextID
	m.events = append(m.events, e)
	return nil
}

func (m *MemorySink) Query(ctx context.Context, intentID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.IntentID == intentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Names returns the event names recorded for intentID, in order.
func (m *MemorySink) Names(intentID string) []string {
	events, _ := m.Query(context.Background(), intentID)
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}
