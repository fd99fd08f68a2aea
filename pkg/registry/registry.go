// Package registry tracks which applications exist on the platform, who owns
// them, and whether they are live.
//
// Entries are never deleted. An application that is removed is archived so
// its name and ownership history stay auditable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/shipyard/pkg/descriptor"
)

var (
	// ErrNotFound is returned when no entry exists for a name.
	ErrNotFound = errors.New("registry entry not found")

	// ErrNameConflict is returned when a write would claim a name that another
	// writer holds, or when two writers race to claim the same name.
	ErrNameConflict = errors.New("application name conflict")

	// ErrInvalidTransition is returned for a status change the lifecycle does
	// not allow.
	ErrInvalidTransition = errors.New("invalid registry status transition")
)

// Status is the lifecycle status of a registry entry.
type Status string

const (
	// StatusActive marks an application that may be deployed.
	StatusActive Status = "active"

	// StatusInactive marks an application that is paused.
	StatusInactive Status = "inactive"

	// StatusArchived marks a removed application. Archived is terminal.
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether an entry may move from one status to another.
// Staying in the same status is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusInactive || to == StatusArchived
	case StatusInactive:
		return to == StatusActive || to == StatusArchived
	}
	return false
}

// Entry is one application's registry record.
type Entry struct {
	// Name is the application name. It is the registry key.
	Name string `json:"name" yaml:"name"`

	// Team is the owning team.
	Team string `json:"team" yaml:"team"`

	// Path is the descriptor location within the platform repository.
	Path string `json:"path" yaml:"path"`

	// Status is the lifecycle status.
	Status Status `json:"status" yaml:"status"`

	// CreatedDate is when the application was first accepted.
	CreatedDate time.Time `json:"created_date" yaml:"created_date"`

	// Environment is the environment the application deploys to.
	Environment descriptor.Environment `json:"environment" yaml:"environment"`

	// UpdatedAt is when the entry last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`

	// Version is the optimistic concurrency counter. Zero means the entry has
	// not been stored yet.
	Version int64 `json:"version" yaml:"-"`
}

// OwnedBy reports whether the entry belongs to the given team.
func (e Entry) OwnedBy(team string) bool {
	return e.Team == team
}

// Registry is the durable store of application entries. Reads always reflect
// the latest committed write.
type Registry interface {
	// Lookup returns the entry for name, or ErrNotFound.
	Lookup(ctx context.Context, name string) (*Entry, error)

	// Upsert creates an entry (Version == 0) or updates it as a compare-and-swap
	// on Version. On success entry.Version holds the stored version.
	Upsert(ctx context.Context, entry *Entry) error

	// ListActive returns all active entries ordered by name.
	ListActive(ctx context.Context) ([]Entry, error)

	// Snapshot returns a consistent read of every entry.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Accept registers an application the first time it is accepted. A repeat
// acceptance by the owning team returns the existing entry. A name held by
// another team fails with ErrNameConflict.
func Accept(ctx context.Context, reg Registry, d *descriptor.Descriptor, path string) (*Entry, error) {
	existing, err := reg.Lookup(ctx, d.App.Name)
	switch {
	case err == nil:
		if !existing.OwnedBy(d.App.Team) {
			return nil, fmt.Errorf("%w: %q is registered to team %q", ErrNameConflict, d.App.Name, existing.Team)
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("failed to look up %q: %w", d.App.Name, err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Name:        d.App.Name,
		Team:        d.App.Team,
		Path:        path,
		Status:      StatusActive,
		CreatedDate: now,
		Environment: d.Environment,
		UpdatedAt:   now,
	}
	if err := reg.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// SetStatus moves an entry to a new status.
func SetStatus(ctx context.Context, reg Registry, name string, status Status) (*Entry, error) {
	entry, err := reg.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !CanTransition(entry.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, status)
	}
	entry.Status = status
	entry.UpdatedAt = time.Now().UTC()
	if err := reg.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
