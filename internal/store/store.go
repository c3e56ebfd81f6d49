package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowdesk/internal/domain"
)

// Store is the authoritative versioned copy of every entity, keyed by
// (type, id). All mutations go through version-guarded writes; a mismatched
// expected version fails with domain.ConflictError instead of overwriting.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// ErrStop terminates a Scan early without error.
var ErrStop = errors.New("stop scan")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Rec is one stored entity record. Payload holds the entity JSON; Version
// starts at 1 and increments on every Put or SoftDelete.
type Rec struct {
	Type      string
	ID        string
	Version   int64
	Deleted   bool
	Payload   []byte
	CreatedAt string
	UpdatedAt string
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) nowStr() string {
	return s.now().UTC().Format(time.RFC3339)
}

func scanRec(row *sql.Row) (Rec, error) {
	var r Rec
	var deleted int
	err := row.Scan(&r.Type, &r.ID, &r.Version, &deleted, &r.Payload, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	r.Deleted = deleted != 0
	return r, err
}

// Get returns the record including its tombstone flag, or ErrNotFound if no
// row exists at all. Callers that must not see tombstones use GetLive.
func (s Store) Get(ctx context.Context, q Querier, typ, id string) (Rec, error) {
	return scanRec(q.QueryRowContext(ctx,
		`SELECT type,id,version,deleted,payload_json,created_at,updated_at FROM entities WHERE type=? AND id=?`, typ, id))
}

// GetLive returns the record or domain.NotFoundError when the entity is
// missing or tombstoned.
func (s Store) GetLive(ctx context.Context, q Querier, typ, id string) (Rec, error) {
	r, err := s.Get(ctx, q, typ, id)
	if errors.Is(err, ErrNotFound) || (err == nil && r.Deleted) {
		return Rec{}, domain.NotFoundError{EntityType: typ, EntityID: id}
	}
	return r, err
}

// Put writes a new version of the entity. expectedVersion 0 creates the
// entity; any other value must match the current stored version exactly.
// This is the sole serialization point per (type, id) key.
func (s Store) Put(ctx context.Context, q Querier, typ, id string, expectedVersion int64, payload []byte) (Rec, error) {
	if !domain.KnownEntityType(typ) {
		return Rec{}, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entity type %q", typ)}
	}
	now := s.nowStr()
	if expectedVersion == 0 {
		_, err := q.ExecContext(ctx,
			`INSERT INTO entities(type,id,version,deleted,payload_json,created_at,updated_at) VALUES (?,?,1,0,?,?,?)`,
			typ, id, payload, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				cur, gerr := s.Get(ctx, q, typ, id)
				if gerr == nil {
					return Rec{}, domain.ConflictError{EntityType: typ, EntityID: id, Expected: 0, Actual: cur.Version}
				}
			}
			return Rec{}, err
		}
		return Rec{Type: typ, ID: id, Version: 1, Payload: payload, CreatedAt: now, UpdatedAt: now}, nil
	}
	res, err := q.ExecContext(ctx,
		`UPDATE entities SET version=version+1, payload_json=?, updated_at=? WHERE type=? AND id=? AND version=? AND deleted=0`,
		payload, now, typ, id, expectedVersion)
	if err != nil {
		return Rec{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Rec{}, s.mismatch(ctx, q, typ, id, expectedVersion)
	}
	return s.Get(ctx, q, typ, id)
}

// SoftDelete tombstones the entity, preserving its payload for audit history.
func (s Store) SoftDelete(ctx context.Context, q Querier, typ, id string, expectedVersion int64) (Rec, error) {
	now := s.nowStr()
	res, err := q.ExecContext(ctx,
		`UPDATE entities SET version=version+1, deleted=1, updated_at=? WHERE type=? AND id=? AND version=? AND deleted=0`,
		now, typ, id, expectedVersion)
	if err != nil {
		return Rec{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Rec{}, s.mismatch(ctx, q, typ, id, expectedVersion)
	}
	return s.Get(ctx, q, typ, id)
}

// mismatch distinguishes a missing/tombstoned row from a version conflict
// after a guarded write affected zero rows.
func (s Store) mismatch(ctx context.Context, q Querier, typ, id string, expected int64) error {
	cur, err := s.Get(ctx, q, typ, id)
	if errors.Is(err, ErrNotFound) || (err == nil && cur.Deleted) {
		return domain.NotFoundError{EntityType: typ, EntityID: id}
	}
	if err != nil {
		return err
	}
	return domain.ConflictError{EntityType: typ, EntityID: id, Expected: expected, Actual: cur.Version}
}

// Scan streams live records of a type in id order, calling fn for each.
// Returning ErrStop from fn ends the scan early. Restartable: each call is
// a fresh pass over the current committed state.
func (s Store) Scan(ctx context.Context, q Querier, typ string, fn func(Rec) error) error {
	rows, err := q.QueryContext(ctx,
		`SELECT type,id,version,deleted,payload_json,created_at,updated_at FROM entities WHERE type=? AND deleted=0 ORDER BY id`, typ)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r Rec
		var deleted int
		if err := rows.Scan(&r.Type, &r.ID, &r.Version, &deleted, &r.Payload, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return err
		}
		r.Deleted = deleted != 0
		if err := fn(r); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// Decode unmarshals a record payload into the given entity struct.
func Decode[T any](r Rec) (T, error) {
	var v T
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s %s: %w", r.Type, r.ID, err)
	}
	return v, nil
}

// Encode marshals an entity for storage.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
