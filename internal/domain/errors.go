package domain

import "fmt"

// Error kinds reported to callers. Stable, machine-readable.
const (
	KindValidation       = "validation_error"
	KindConflict         = "conflict"
	KindOwnerConstraint  = "owner_constraint"
	KindPermissionDenied = "permission_denied"
	KindTimeout          = "timeout"
	KindNotFound         = "not_found"
)

// ValidationError indicates a malformed or constraint-violating payload.
// Not retryable without changing the payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Kind() string { return KindValidation }

// ConflictError indicates an optimistic-concurrency version mismatch.
// Retryable after re-reading the entity.
type ConflictError struct {
	EntityType string
	EntityID   string
	Expected   int64
	Actual     int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s %s: expected %d, have %d", e.EntityType, e.EntityID, e.Expected, e.Actual)
}

func (e ConflictError) Kind() string { return KindConflict }

// OwnerConstraintError indicates an operation that would leave a team
// without its required owner.
type OwnerConstraintError struct {
	TeamID string
	UserID string
}

func (e OwnerConstraintError) Error() string {
	return fmt.Sprintf("user %s is the sole owner of team %s; transfer ownership first", e.UserID, e.TeamID)
}

func (e OwnerConstraintError) Kind() string { return KindOwnerConstraint }

// PermissionDeniedError is an access-gate rejection. Not retryable by the
// same actor.
type PermissionDeniedError struct {
	ActorID    string
	Permission string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e PermissionDeniedError) Kind() string { return KindPermissionDenied }

// TimeoutError indicates an operation exceeded its time budget. Retryable
// with the same idempotency key.
type TimeoutError struct {
	Op string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("operation %s exceeded its time budget", e.Op)
}

func (e TimeoutError) Kind() string { return KindTimeout }

// NotFoundError indicates a missing or tombstoned entity.
type NotFoundError struct {
	EntityType string
	EntityID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.EntityType, e.EntityID)
}

func (e NotFoundError) Kind() string { return KindNotFound }

// Kinder is implemented by every error in the taxonomy.
type Kinder interface {
	Kind() string
}

// ErrorKind extracts the stable kind from an error chain, or "" when the
// error is outside the taxonomy.
func ErrorKind(err error) string {
	for err != nil {
		if k, ok := err.(Kinder); ok {
			return k.Kind()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
