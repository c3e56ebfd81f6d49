// Package engine is the referential integrity engine: the single write
// path into the entity store. Every mutation arrives as an envelope,
// passes the access gate, and runs with its cascades in one transaction.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine/access"
	"flowdesk/internal/metrics"
	"flowdesk/internal/store"
)

type Engine struct {
	DB      *sql.DB
	Store   store.Store
	Gate    access.Gate
	Config  *config.Config
	Metrics *metrics.Collector
	Now     func() time.Time

	// OnCommit is invoked after every committed mutation; the dispatcher
	// uses it as a nudge to drain new event rows.
	OnCommit func()
}

func New(db *sql.DB, cfg *config.Config) Engine {
	st := store.Store{DB: db}
	return Engine{
		DB:     db,
		Store:  st,
		Gate:   access.Gate{Config: cfg, Store: st},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Mutation is the client-facing envelope. ExpectedVersion guards the
// primary entity; IdempotencyKey makes retries after ambiguous failures
// safe.
type Mutation struct {
	IdempotencyKey  string
	Actor           access.Actor
	Op              string
	EntityID        string
	ExpectedVersion int64
	Payload         json.RawMessage
	IP              string
}

// Result is the committed outcome of a mutation.
type Result struct {
	Rec      store.Rec
	Replayed bool
}

// guardVersion returns the client-supplied version guard, or the current
// stored version when the client sent none (unguarded write).
func (m Mutation) guardVersion(cur store.Rec) int64 {
	if m.ExpectedVersion != 0 {
		return m.ExpectedVersion
	}
	return cur.Version
}

func (e Engine) opTimeout() time.Duration {
	if e.Config != nil && e.Config.Engine.OpTimeout > 0 {
		return e.Config.Engine.OpTimeout.Std()
	}
	return 5 * time.Second
}

func (e Engine) maxRetries() uint64 {
	if e.Config != nil && e.Config.Engine.MaxRetries > 0 {
		return uint64(e.Config.Engine.MaxRetries)
	}
	return 3
}

// Submit authorizes, applies and commits one logical mutation. Cascade
// conflicts are retried a bounded number of times; a stale client-supplied
// version is surfaced immediately since re-running cannot fix it.
func (e Engine) Submit(ctx context.Context, m Mutation) (Result, error) {
	start := e.now()
	res, err := e.submit(ctx, m)
	e.Metrics.RecordSubmitLatency(time.Since(start))
	e.Metrics.RecordMutation(m.Op, outcomeOf(err))
	return res, err
}

func (e Engine) submit(ctx context.Context, m Mutation) (Result, error) {
	if e.Config == nil {
		return Result{}, errors.New("config not loaded")
	}
	if m.Op == "" {
		return Result{}, domain.ValidationError{Field: "op", Reason: "required"}
	}
	resourceType, _, _ := opParts(m.Op)
	if err := e.Gate.Authorize(ctx, m.Actor, m.Op, resourceType, m.EntityID, m.IP); err != nil {
		var denied domain.PermissionDeniedError
		if errors.As(err, &denied) {
			e.Metrics.RecordDeny()
		}
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout())
	defer cancel()

	var res Result
	backoff := retry.WithMaxRetries(e.maxRetries(), retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := e.apply(ctx, m)
		if err != nil {
			var conflict domain.ConflictError
			if errors.As(err, &conflict) && conflict.EntityID != m.EntityID {
				// Cascade target moved underneath us; re-read and re-run.
				e.Metrics.RecordConflictRetry()
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, domain.TimeoutError{Op: m.Op}
		}
		return Result{}, err
	}
	if e.OnCommit != nil {
		e.OnCommit()
	}
	return res, nil
}

// apply runs the whole logical mutation in one transaction: idempotency
// check, primary write, cascades, event rows. Either everything commits or
// nothing is visible.
func (e Engine) apply(ctx context.Context, m Mutation) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	if m.IdempotencyKey != "" {
		prior, err := e.Store.GetIdempotency(ctx, tx, m.IdempotencyKey)
		if err == nil {
			// No-op mutations record a key with no entity; replay them as
			// the same no-op instead of chasing a row that never existed.
			if prior.EntityID == "" {
				return Result{Replayed: true}, nil
			}
			rec, err := e.Store.Get(ctx, tx, prior.EntityType, prior.EntityID)
			if err != nil {
				return Result{}, err
			}
			return Result{Rec: rec, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	}

	rec, err := e.applyOp(ctx, tx, m)
	if err != nil {
		return Result{}, err
	}

	if m.IdempotencyKey != "" {
		if err := e.Store.PutIdempotency(ctx, tx, store.IdempotencyRecord{
			Key:           m.IdempotencyKey,
			Op:            m.Op,
			EntityType:    rec.Type,
			EntityID:      rec.ID,
			EntityVersion: rec.Version,
		}); err != nil {
			return Result{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Rec: rec}, nil
}

func (e Engine) applyOp(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	switch m.Op {
	case "user.create":
		return e.createUser(ctx, tx, m)
	case "user.update":
		return e.updateUser(ctx, tx, m)
	case "user.suspend":
		return e.suspendUser(ctx, tx, m)
	case "user.delete":
		return e.deleteUser(ctx, tx, m)
	case "task.create":
		return e.createTask(ctx, tx, m)
	case "task.update":
		return e.updateTask(ctx, tx, m)
	case "task.delete":
		return e.deleteTask(ctx, tx, m)
	case "workflow.create":
		return e.createWorkflow(ctx, tx, m)
	case "workflow.update":
		return e.updateWorkflow(ctx, tx, m)
	case "workflow.delete":
		return e.deleteWorkflow(ctx, tx, m)
	case "team.create":
		return e.createTeam(ctx, tx, m)
	case "team.update":
		return e.updateTeam(ctx, tx, m)
	case "team.delete":
		return e.deleteTeam(ctx, tx, m)
	case "team.member_add":
		return e.addTeamMember(ctx, tx, m)
	case "team.member_remove":
		return e.removeTeamMember(ctx, tx, m)
	case "team.transfer_ownership":
		return e.transferOwnership(ctx, tx, m)
	case "channel.create":
		return e.createChannel(ctx, tx, m)
	case "channel.mark_read":
		return e.markChannelRead(ctx, tx, m)
	case "message.post":
		return e.postMessage(ctx, tx, m)
	case "role.create":
		return e.createRole(ctx, tx, m)
	case "role.update":
		return e.updateRole(ctx, tx, m)
	case "role.delete":
		return e.deleteRole(ctx, tx, m)
	case "notification.mark_read":
		return e.markNotificationRead(ctx, tx, m)
	case "notification.mark_all_read":
		return e.markAllNotificationsRead(ctx, tx, m)
	default:
		return store.Rec{}, domain.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", m.Op)}
	}
}

// --- helpers ---

func opParts(op string) (resource, verb string, ok bool) {
	for i := 0; i < len(op); i++ {
		if op[i] == '.' {
			return op[:i], op[i+1:], true
		}
	}
	return op, "", false
}

func outcomeOf(err error) string {
	if err == nil {
		return "committed"
	}
	if kind := domain.ErrorKind(err); kind != "" {
		return kind
	}
	return "error"
}

func decodePayload[T any](m Mutation) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, domain.ValidationError{Field: "payload", Reason: "required"}
	}
	dec := json.NewDecoder(bytes.NewReader(m.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return v, nil
}

func getEntity[T any](ctx context.Context, s store.Store, q store.Querier, typ, id string) (T, store.Rec, error) {
	var v T
	rec, err := s.GetLive(ctx, q, typ, id)
	if err != nil {
		return v, rec, err
	}
	v, err = store.Decode[T](rec)
	return v, rec, err
}

func putEntity(ctx context.Context, s store.Store, q store.Querier, typ, id string, expectedVersion int64, v any) (store.Rec, error) {
	payload, err := store.Encode(v)
	if err != nil {
		return store.Rec{}, err
	}
	return s.Put(ctx, q, typ, id, expectedVersion, payload)
}

func newID() string {
	return uuid.New().String()
}
