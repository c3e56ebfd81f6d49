package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// UserCreate is the payload for user.create.
type UserCreate struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role" required:"false"`
	Status string `json:"status,omitempty"`
}

// UserUpdate is the payload for user.update. Nil fields are left unchanged.
type UserUpdate struct {
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
	Role   *string `json:"role,omitempty"`
	Status *string `json:"status,omitempty"`
}

var userStatuses = map[string]bool{"active": true, "inactive": true, "suspended": true}

func (e Engine) createUser(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[UserCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name == "" {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if p.Email == "" {
		return store.Rec{}, domain.ValidationError{Field: "email", Reason: "required"}
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if !userStatuses[p.Status] {
		return store.Rec{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if p.Role == "" {
		p.Role = "member"
	}
	if err := e.ensureRoleExists(ctx, tx, p.Role); err != nil {
		return store.Rec{}, err
	}
	if err := e.ensureEmailFree(ctx, tx, p.Email, ""); err != nil {
		return store.Rec{}, err
	}
	u := domain.User{
		ID:        newID(),
		Name:      p.Name,
		Email:     strings.ToLower(p.Email),
		Avatar:    p.Avatar,
		Role:      p.Role,
		Status:    p.Status,
		CreatedAt: e.nowStr(),
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeUser, u.ID, 0, u)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "user.created", domain.TypeUser, u.ID, m.Actor.ID, store.EventPayload{"name": u.Name, "role": u.Role})
	return rec, err
}

func (e Engine) updateUser(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[UserUpdate](m)
	if err != nil {
		return store.Rec{}, err
	}
	u, cur, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	oldStatus := u.Status
	if p.Name != nil {
		if *p.Name == "" {
			return store.Rec{}, domain.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		u.Name = *p.Name
	}
	if p.Email != nil {
		if err := e.ensureEmailFree(ctx, tx, *p.Email, u.ID); err != nil {
			return store.Rec{}, err
		}
		u.Email = strings.ToLower(*p.Email)
	}
	if p.Avatar != nil {
		u.Avatar = *p.Avatar
	}
	if p.Role != nil {
		if err := e.ensureRoleExists(ctx, tx, *p.Role); err != nil {
			return store.Rec{}, err
		}
		u.Role = *p.Role
	}
	if p.Status != nil {
		if !userStatuses[*p.Status] {
			return store.Rec{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *p.Status)}
		}
		u.Status = *p.Status
	}
	if u.Status == "suspended" && oldStatus != "suspended" {
		if err := e.detachUser(ctx, tx, u.ID, m.Actor.ID); err != nil {
			return store.Rec{}, err
		}
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeUser, u.ID, m.guardVersion(cur), u)
	if err != nil {
		return rec, err
	}
	if err := e.Store.AppendEvent(ctx, tx, "user.updated", domain.TypeUser, u.ID, m.Actor.ID, store.EventPayload{
		"from_status": oldStatus, "to_status": u.Status,
	}); err != nil {
		return rec, err
	}
	// Presence changes are coalescible; everything else is not.
	if u.Status != oldStatus && u.Status != "suspended" {
		err = e.Store.AppendEvent(ctx, tx, "user.presence", domain.TypeUser, u.ID, m.Actor.ID, store.EventPayload{"status": u.Status})
	}
	return rec, err
}

func (e Engine) suspendUser(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	u, cur, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if u.Status == "suspended" {
		return e.Store.Get(ctx, tx, domain.TypeUser, u.ID)
	}
	if err := e.detachUser(ctx, tx, u.ID, m.Actor.ID); err != nil {
		return store.Rec{}, err
	}
	u.Status = "suspended"
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeUser, u.ID, m.guardVersion(cur), u)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "user.suspended", domain.TypeUser, u.ID, m.Actor.ID, nil)
	return rec, err
}

func (e Engine) deleteUser(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	u, cur, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if err := e.detachUser(ctx, tx, u.ID, m.Actor.ID); err != nil {
		return store.Rec{}, err
	}
	rec, err := e.Store.SoftDelete(ctx, tx, domain.TypeUser, u.ID, m.guardVersion(cur))
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "user.deleted", domain.TypeUser, u.ID, m.Actor.ID, nil)
	return rec, err
}

// detachUser unassigns the user's tasks and removes team memberships.
// Rejects with OwnerConstraintError while the user still owns a team.
func (e Engine) detachUser(ctx context.Context, tx *sql.Tx, userID, actorID string) error {
	// Owner check first so nothing is modified on rejection.
	var owned *domain.OwnerConstraintError
	err := e.Store.Scan(ctx, tx, domain.TypeTeam, func(rec store.Rec) error {
		t, err := store.Decode[domain.Team](rec)
		if err != nil {
			return err
		}
		if owner, ok := t.Owner(); ok && owner.UserID == userID {
			owned = &domain.OwnerConstraintError{TeamID: t.ID, UserID: userID}
			return store.ErrStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if owned != nil {
		return *owned
	}

	err = e.Store.Scan(ctx, tx, domain.TypeTask, func(rec store.Rec) error {
		t, err := store.Decode[domain.Task](rec)
		if err != nil {
			return err
		}
		if t.AssigneeID == nil || *t.AssigneeID != userID {
			return nil
		}
		t.AssigneeID = nil
		t.UpdatedAt = e.nowStr()
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeTask, t.ID, rec.Version, t); err != nil {
			return err
		}
		return e.Store.AppendEvent(ctx, tx, "task.unassigned", domain.TypeTask, t.ID, actorID, store.EventPayload{"user_id": userID})
	})
	if err != nil {
		return err
	}

	return e.Store.Scan(ctx, tx, domain.TypeTeam, func(rec store.Rec) error {
		t, err := store.Decode[domain.Team](rec)
		if err != nil {
			return err
		}
		if !t.HasMember(userID) {
			return nil
		}
		kept := t.Members[:0]
		for _, mbr := range t.Members {
			if mbr.UserID != userID {
				kept = append(kept, mbr)
			}
		}
		t.Members = kept
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, rec.Version, t); err != nil {
			return err
		}
		return e.Store.AppendEvent(ctx, tx, "team.member_removed", domain.TypeTeam, t.ID, actorID, store.EventPayload{"user_id": userID})
	})
}

// ensureEmailFree enforces email uniqueness across live users.
func (e Engine) ensureEmailFree(ctx context.Context, tx *sql.Tx, email, selfID string) error {
	email = strings.ToLower(email)
	if !strings.Contains(email, "@") {
		return domain.ValidationError{Field: "email", Reason: "invalid address"}
	}
	var taken bool
	err := e.Store.Scan(ctx, tx, domain.TypeUser, func(rec store.Rec) error {
		u, err := store.Decode[domain.User](rec)
		if err != nil {
			return err
		}
		if u.ID != selfID && strings.EqualFold(u.Email, email) {
			taken = true
			return store.ErrStop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if taken {
		return domain.ValidationError{Field: "email", Reason: fmt.Sprintf("%s already in use", email)}
	}
	return nil
}

// ensureRoleExists accepts built-in role names and live custom role ids.
func (e Engine) ensureRoleExists(ctx context.Context, tx *sql.Tx, role string) error {
	if _, ok := e.Config.BuiltinPermissions(role); ok {
		return nil
	}
	_, _, err := getEntity[domain.Role](ctx, e.Store, tx, domain.TypeRole, role)
	if err != nil {
		return domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	return nil
}
