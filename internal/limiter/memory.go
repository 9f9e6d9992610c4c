package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/arx-os/bim-collab/internal/model"
)

// Per-window caps by change type. Destructive operations get the tightest
// budget, bulk geometry edits the widest.
var defaultCaps = map[model.ChangeType]int{
	model.ChangeCreate:         10,
	model.ChangeUpdate:         50,
	model.ChangeDelete:         5,
	model.ChangeMove:           30,
	model.ChangeResize:         30,
	model.ChangePropertyChange: 20,
}

const defaultCap = 20

// Memory is an in-process sliding-window limiter keyed by (user, change type).
// The window state lives with the engine instance, like the session map.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	caps    map[model.ChangeType]int
	entries map[string][]time.Time

	now func() time.Time
}

// NewMemory constructs an in-memory limiter with a sliding window. A zero
// window selects one minute.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		window:  window,
		caps:    defaultCaps,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt and reports whether it is within the cap for the
// change type.
func (m *Memory) Allow(_ context.Context, userID string, changeType model.ChangeType) (bool, error) {
	limit, ok := m.caps[changeType]
	if !ok {
		limit = defaultCap
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := userID + ":" + string(changeType)
	kept := m.entries[key][:0]
	for _, t := range m.entries[key] {
		if now.Sub(t) < m.window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		m.entries[key] = kept
		return false, nil
	}
	m.entries[key] = append(kept, now)
	return true, nil
}
