package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/telemetry"
)

const eventColumns = "id, state_key, run_id, phase, level, message, details, timestamp"

// AppendEvent adds event to the journal and sets its ID. A zero timestamp
// is stamped with the store clock; empty details are stored as "{}".
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if !event.Level.Valid() {
		return fmt.Errorf("unknown event level %q", event.Level)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock().UTC()
	}
	if event.Details == "" {
		event.Details = "{}"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deployment_events (state_key, run_id, phase, level, message, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.StateKey, event.RunID, event.Phase, event.Level, event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", event.StateKey, err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

// GetEvents returns matching journal entries oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	for col, val := range map[string]string{"state_key": q.StateKey, "run_id": q.RunID, "level": string(q.Level)} {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT " + eventColumns + " FROM deployment_events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id LIMIT ? OFFSET ?")
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.StateKey, &e.RunID, &e.Phase, &e.Level, &e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Journal returns an event subscriber that appends lifecycle events to the
// deployment journal. Events without an application key are dropped.
// Write failures are logged; publishing never blocks on the journal.
func (s *SQLiteStore) Journal(logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "journal").Logger()

	return func(e telemetry.Event) {
		if e.AppKey == "" {
			return
		}

		entry := &Event{
			StateKey:  e.AppKey,
			RunID:     e.RunID,
			Phase:     e.Phase,
			Level:     EventLevel(e.Level),
			Message:   e.Type + ": " + e.Message,
			Timestamp: e.Timestamp,
		}
		if !entry.Level.Valid() {
			entry.Level = EventLevelInfo
		}
		if len(e.Data) > 0 {
			if data, err := json.Marshal(e.Data); err == nil {
				entry.Details = string(data)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("app", e.AppKey).Str("type", e.Type).Msg("Failed to journal event")
		}
	}
}
