package store

import (
	"context"
	"database/sql"
	"strings"

	"flowdesk/internal/domain"
)

// AppendAudit writes one append-only audit row. Works inside a mutation
// transaction or standalone (deny logging, dispatcher).
func (s Store) AppendAudit(ctx context.Context, q Querier, entry domain.AuditLogEntry) error {
	if entry.CreatedAt == "" {
		entry.CreatedAt = s.nowStr()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log(actor_id,action,resource_type,resource_id,description,ip_address,created_at) VALUES (?,?,?,?,?,?,?)`,
		entry.ActorID, entry.Action, entry.ResourceType, nullable(entry.ResourceID), nullable(entry.Description), nullable(entry.IPAddress), entry.CreatedAt)
	return err
}

type AuditFilters struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Limit        int
	Cursor       int64
}

// ListAudit returns audit entries newest first with an id cursor.
func (s Store) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditLogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,actor_id,action,resource_type,COALESCE(resource_id,''),COALESCE(description,''),COALESCE(ip_address,''),created_at FROM audit_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Description, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// IdempotencyRecord is the recorded outcome of a committed mutation.
type IdempotencyRecord struct {
	Key           string
	Op            string
	EntityType    string
	EntityID      string
	EntityVersion int64
}

// GetIdempotency looks up a prior outcome for the key. ErrNotFound means the
// mutation has not committed under this key.
func (s Store) GetIdempotency(ctx context.Context, q Querier, key string) (IdempotencyRecord, error) {
	var r IdempotencyRecord
	err := q.QueryRowContext(ctx,
		`SELECT key,op,entity_type,entity_id,entity_version FROM idempotency_keys WHERE key=?`, key).
		Scan(&r.Key, &r.Op, &r.EntityType, &r.EntityID, &r.EntityVersion)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

// PutIdempotency records the outcome in the same transaction as the mutation
// so a retried envelope after an ambiguous failure does not double-apply.
func (s Store) PutIdempotency(ctx context.Context, tx *sql.Tx, r IdempotencyRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys(key,op,entity_type,entity_id,entity_version,created_at) VALUES (?,?,?,?,?,?)`,
		r.Key, r.Op, r.EntityType, r.EntityID, r.EntityVersion, s.nowStr())
	return err
}
