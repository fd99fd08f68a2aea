package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load when no state exists for a key.
	ErrNotFound = errors.New("deployment state not found")

	// ErrStaleState is returned by Save when the stored serial differs from
	// the one the caller last read.
	ErrStaleState = errors.New("stale deployment state")

	// ErrLeaseBusy is returned when another holder owns an unexpired lease.
	ErrLeaseBusy = errors.New("deployment lease busy")

	// ErrLeaseLost is returned when renewing or releasing a lease that has
	// since been taken over.
	ErrLeaseLost = errors.New("deployment lease lost")
)

// Lease is a time-bounded exclusive claim on one application's state.
type Lease struct {
	// Key is the leased state key.
	Key Key `json:"key"`

	// ID identifies this particular acquisition.
	ID string `json:"id"`

	// Holder names the process holding the lease.
	Holder string `json:"holder"`

	// ExpiresAt is when the lease is considered abandoned.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store persists deployment state with compare-and-swap writes and leases.
type Store interface {
	// Load returns the state for key, or ErrNotFound.
	Load(ctx context.Context, key Key) (*DeploymentState, error)

	// Save writes st if the stored serial equals expectedSerial (zero when no
	// state exists yet). On success st.Serial is expectedSerial+1.
	Save(ctx context.Context, key Key, st *DeploymentState, expectedSerial int64) error

	// Delete removes the state for key under the same compare-and-swap rule.
	Delete(ctx context.Context, key Key, expectedSerial int64) error

	// AcquireLease claims key for ttl, or fails with ErrLeaseBusy.
	AcquireLease(ctx context.Context, key Key, holder string, ttl time.Duration) (*Lease, error)

	// RenewLease extends a held lease by ttl from now.
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release gives up a lease. Releasing a lease that was taken over is not
	// an error.
	Release(ctx context.Context, lease *Lease) error
}
