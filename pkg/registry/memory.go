package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Registry. It enforces the same conflict and
// transition rules as the durable stores and is used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-process registry seeded with entries.
func NewMemory(entries ...Entry) *Memory {
	m := &Memory{entries: make(map[string]Entry)}
	for _, e := range entries {
		if e.Version == 0 {
			e.Version = 1
		}
		m.entries[e.Name] = e
	}
	return m
}

// Lookup implements Registry.
func (m *Memory) Lookup(_ context.Context, name string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Upsert implements Registry.
func (m *Memory) Upsert(_ context.Context, entry *Entry) error {
	if !entry.Status.Valid() {
		return fmt.Errorf("unknown status %q", entry.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.entries[entry.Name]
	if entry.Version == 0 {
		if exists {
			return fmt.Errorf("%w: %q is already registered to team %q", ErrNameConflict, entry.Name, current.Team)
		}
	} else {
		if err := CheckUpdate(current, exists, entry); err != nil {
			return err
		}
	}

	stored := *entry
	stored.Version = entry.Version + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	m.entries[entry.Name] = stored
	entry.Version = stored.Version
	return nil
}

// ListActive implements Registry.
func (m *Memory) ListActive(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status == StatusActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Snapshot implements Registry.
func (m *Memory) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	return NewSnapshot(entries...), nil
}

// CheckUpdate validates a versioned write of next against the stored entry.
func CheckUpdate(current Entry, exists bool, next *Entry) error {
	if !exists {
		return fmt.Errorf("%w: %q", ErrNotFound, next.Name)
	}
	if current.Team != next.Team || current.Path != next.Path {
		return fmt.Errorf("%w: %q is owned by team %q at %q", ErrNameConflict, next.Name, current.Team, current.Path)
	}
	if current.Version != next.Version {
		return fmt.Errorf("%w: %q was modified concurrently (version %d, expected %d)",
			ErrNameConflict, next.Name, current.Version, next.Version)
	}
	if !CanTransition(current.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	return nil
}
