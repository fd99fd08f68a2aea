package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/shipyard/pkg/registry"
)

var _ registry.Registry = (*SQLiteStore)(nil)

const entryColumns = `name, team, path, status, environment, created_date, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*registry.Entry, error) {
	entry := &registry.Entry{}
	err := row.Scan(
		&entry.Name,
		&entry.Team,
		&entry.Path,
		&entry.Status,
		&entry.Environment,
		&entry.CreatedDate,
		&entry.UpdatedAt,
		&entry.Version,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Lookup implements registry.Registry.
func (s *SQLiteStore) Lookup(ctx context.Context, name string) (*registry.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM registry_entries WHERE name = ?`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registry entry: %w", err)
	}
	return entry, nil
}

// Upsert implements registry.Registry. Inserts rely on the primary key to
// reject a second claim on a name; updates are compare-and-swap on version.
func (s *SQLiteStore) Upsert(ctx context.Context, entry *registry.Entry) error {
	if !entry.Status.Valid() {
		return fmt.Errorf("unknown status %q", entry.Status)
	}

	now := s.clock().UTC()
	if entry.Version == 0 {
		return s.insertEntry(ctx, entry, now)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM registry_entries WHERE name = ?`, entry.Name))
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists, current = false, &registry.Entry{}
		} else if err != nil {
			return fmt.Errorf("failed to read registry entry: %w", err)
		}
		if err := registry.CheckUpdate(*current, exists, entry); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE registry_entries
			SET status = ?, environment = ?, updated_at = ?, version = version + 1
			WHERE name = ? AND version = ?
		`, entry.Status, entry.Environment, now, entry.Name, entry.Version)
		if err != nil {
			return fmt.Errorf("failed to update registry entry: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %q was modified concurrently", registry.ErrNameConflict, entry.Name)
		}

		entry.Version++
		entry.UpdatedAt = now
		return nil
	})
}

func (s *SQLiteStore) insertEntry(ctx context.Context, entry *registry.Entry, now time.Time) error {
	if entry.CreatedDate.IsZero() {
		entry.CreatedDate = now
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(name) DO NOTHING
	`, entry.Name, entry.Team, entry.Path, entry.Status, entry.Environment, entry.CreatedDate, now)
	if err != nil {
		return fmt.Errorf("failed to create registry entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		owner := "another team"
		if current, err := s.Lookup(ctx, entry.Name); err == nil {
			owner = fmt.Sprintf("team %q", current.Team)
		}
		return fmt.Errorf("%w: %q is already registered to %s", registry.ErrNameConflict, entry.Name, owner)
	}

	entry.Version = 1
	entry.UpdatedAt = now
	return nil
}

// ListActive implements registry.Registry.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]registry.Entry, error) {
	entries, err := s.listEntries(ctx, `SELECT `+entryColumns+` FROM registry_entries WHERE status = ? ORDER BY name ASC`, registry.StatusActive)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Snapshot implements registry.Registry. The read runs in one transaction so
// the snapshot is consistent.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*registry.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM registry_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}
	defer rows.Close()

	var entries []registry.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registry entries: %w", err)
	}
	return registry.NewSnapshot(entries...), nil
}

// ImportDocument loads every entry of doc that is not yet registered. Entries
// already present under the same team are left untouched.
func (s *SQLiteStore) ImportDocument(ctx context.Context, doc *registry.Document) (int, error) {
	imported := 0
	for i := range doc.Apps {
		entry := doc.Apps[i]
		entry.Version = 0
		err := s.Upsert(ctx, &entry)
		if errors.Is(err, registry.ErrNameConflict) {
			current, lookupErr := s.Lookup(ctx, entry.Name)
			if lookupErr == nil && current.OwnedBy(entry.Team) {
				continue
			}
		}
		if err != nil {
			return imported, fmt.Errorf("failed to import %q: %w", entry.Name, err)
		}
		imported++
	}
	return imported, nil
}

func (s *SQLiteStore) listEntries(ctx context.Context, query string, args ...any) ([]registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}
	defer rows.Close()

	entries := []registry.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registry entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
