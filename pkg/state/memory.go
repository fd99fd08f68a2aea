package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used for dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	states map[Key][]byte
	leases map[Key]Lease
	now    func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[Key][]byte),
		leases: make(map[Key]Lease),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, key Key) (*DeploymentState, error) {
	m.mu.Lock()
	data, ok := m.states[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Unmarshal(data)
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, key Key, st *DeploymentState, expectedSerial int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.serialLocked(key); current != expectedSerial {
		return ErrStaleState
	}

	next := st.Clone()
	next.Key = key
	next.Serial = expectedSerial + 1
	next.UpdatedAt = m.now().UTC()
	data, err := Marshal(next)
	if err != nil {
		return err
	}
	m.states[key] = data
	st.Serial = next.Serial
	st.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key Key, expectedSerial int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.serialLocked(key); current != expectedSerial {
		return ErrStaleState
	}
	delete(m.states, key)
	return nil
}

func (m *Memory) serialLocked(key Key) int64 {
	data, ok := m.states[key]
	if !ok {
		return 0
	}
	st, err := Unmarshal(data)
	if err != nil {
		return -1
	}
	return st.Serial
}

// AcquireLease implements Store.
func (m *Memory) AcquireLease(_ context.Context, key Key, holder string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.leases[key]; ok && !existing.Expired(now) {
		return nil, ErrLeaseBusy
	}
	lease := Lease{Key: key, ID: uuid.NewString(), Holder: holder, ExpiresAt: now.Add(ttl)}
	m.leases[key] = lease
	return &lease, nil
}

// RenewLease implements Store.
func (m *Memory) RenewLease(_ context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[lease.Key]
	if !ok || existing.ID != lease.ID {
		return ErrLeaseLost
	}
	existing.ExpiresAt = m.now().Add(ttl)
	m.leases[lease.Key] = existing
	lease.ExpiresAt = existing.ExpiresAt
	return nil
}

// Release implements Store.
func (m *Memory) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.leases[lease.Key]; ok && existing.ID == lease.ID {
		delete(m.leases, lease.Key)
	}
	return nil
}
