package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowdesk/internal/domain"
)

// EventPayload is free-form structured detail attached to an event row.
type EventPayload map[string]any

// AppendEvent writes a mutation event inside the caller's transaction so the
// event commits atomically with the writes it describes. Row ids are
// monotonic, which gives subscribers commit order per entity type.
func (s Store) AppendEvent(ctx context.Context, tx *sql.Tx, evtType, entityType, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		s.nowStr(), evtType, entityType, nullable(entityID), actorID, string(data))
	return err
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order, optionally filtered to one entity type.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64, entityType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_type,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if entityType != "" {
		query += ` AND entity_type=?`
		args = append(args, entityType)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityType, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
