package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/shipyard/pkg/state"
)

var _ state.Store = (*SQLiteStore)(nil)

// Load implements state.Store.
func (s *SQLiteStore) Load(ctx context.Context, key state.Key) (*state.DeploymentState, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM deployment_states WHERE state_key = ?`, string(key)).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment state: %w", err)
	}
	return state.Unmarshal(document)
}

// Save implements state.Store. A zero expectedSerial creates the row; any
// other value updates it only if the stored serial still matches.
func (s *SQLiteStore) Save(ctx context.Context, key state.Key, st *state.DeploymentState, expectedSerial int64) error {
	next := st.Clone()
	next.Key = key
	next.Serial = expectedSerial + 1
	next.UpdatedAt = s.clock().UTC()

	document, err := state.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode deployment state: %w", err)
	}

	var result sql.Result
	if expectedSerial == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO deployment_states (state_key, team, app, environment, phase, revision, serial, document, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(state_key) DO NOTHING
		`, string(key), key.Team(), key.App(), next.Environment, next.Phase, next.Revision, next.Serial, document, next.UpdatedAt)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE deployment_states
			SET environment = ?, phase = ?, revision = ?, serial = ?, document = ?, updated_at = ?
			WHERE state_key = ? AND serial = ?
		`, next.Environment, next.Phase, next.Revision, next.Serial, document, next.UpdatedAt, string(key), expectedSerial)
	}
	if err != nil {
		return fmt.Errorf("failed to save deployment state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return state.ErrStaleState
	}

	st.Serial = next.Serial
	st.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete implements state.Store.
func (s *SQLiteStore) Delete(ctx context.Context, key state.Key, expectedSerial int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var serial int64
		err := tx.QueryRowContext(ctx,
			`SELECT serial FROM deployment_states WHERE state_key = ?`, string(key)).Scan(&serial)
		if errors.Is(err, sql.ErrNoRows) {
			if expectedSerial == 0 {
				return nil
			}
			return state.ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("failed to read deployment state: %w", err)
		}
		if serial != expectedSerial {
			return state.ErrStaleState
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_states WHERE state_key = ?`, string(key)); err != nil {
			return fmt.Errorf("failed to delete deployment state: %w", err)
		}
		return nil
	})
}

// ListStates returns the stored states of one team, or of every team when
// team is empty, ordered by key.
func (s *SQLiteStore) ListStates(ctx context.Context, team string) ([]*state.DeploymentState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM deployment_states
		WHERE (? = '' OR team = ?)
		ORDER BY state_key ASC
	`, team, team)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment states: %w", err)
	}
	defer rows.Close()

	states := []*state.DeploymentState{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan deployment state: %w", err)
		}
		st, err := state.Unmarshal(document)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment states: %w", err)
	}
	return states, nil
}

// AcquireLease implements state.Store. An expired lease is taken over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key state.Key, holder string, ttl time.Duration) (*state.Lease, error) {
	var lease *state.Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()

		var expiresAt int64
		err := tx.QueryRowContext(ctx,
			`SELECT expires_at FROM leases WHERE state_key = ?`, string(key)).Scan(&expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read lease: %w", err)
		case now.Before(time.Unix(0, expiresAt)):
			return state.ErrLeaseBusy
		}

		lease = &state.Lease{Key: key, ID: uuid.NewString(), Holder: holder, ExpiresAt: now.Add(ttl)}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (state_key, lease_id, holder, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(state_key) DO UPDATE SET
				lease_id = excluded.lease_id,
				holder = excluded.holder,
				expires_at = excluded.expires_at
		`, string(key), lease.ID, lease.Holder, lease.ExpiresAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to write lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RenewLease implements state.Store.
func (s *SQLiteStore) RenewLease(ctx context.Context, lease *state.Lease, ttl time.Duration) error {
	expiresAt := s.clock().Add(ttl)
	result, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE state_key = ? AND lease_id = ?`,
		expiresAt.UnixNano(), string(lease.Key), lease.ID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return state.ErrLeaseLost
	}
	lease.ExpiresAt = expiresAt
	return nil
}

// Release implements state.Store.
func (s *SQLiteStore) Release(ctx context.Context, lease *state.Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE state_key = ? AND lease_id = ?`, string(lease.Key), lease.ID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
