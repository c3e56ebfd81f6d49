package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// RoleCreate is the payload for role.create.
type RoleCreate struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	Permissions []string `json:"permissions"`
}

// RoleUpdate is the payload for role.update.
type RoleUpdate struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Color       *string   `json:"color,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
}

func (e Engine) checkPermissions(perms []string) error {
	if len(perms) == 0 {
		return domain.ValidationError{Field: "permissions", Reason: "at least one permission is required"}
	}
	seen := map[string]bool{}
	for _, p := range perms {
		if !e.Config.PermissionKnown(p) {
			return domain.ValidationError{Field: "permissions", Reason: fmt.Sprintf("unknown permission %q", p)}
		}
		if seen[p] {
			return domain.ValidationError{Field: "permissions", Reason: fmt.Sprintf("duplicate permission %q", p)}
		}
		seen[p] = true
	}
	return nil
}

func (e Engine) createRole(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[RoleCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name == "" {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if _, ok := e.Config.BuiltinPermissions(p.Name); ok {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: fmt.Sprintf("%q is a built-in role", p.Name)}
	}
	if err := e.checkPermissions(p.Permissions); err != nil {
		return store.Rec{}, err
	}
	r := domain.Role{
		ID:          newID(),
		Name:        p.Name,
		Description: p.Description,
		Color:       p.Color,
		Permissions: p.Permissions,
		IsSystem:    false,
		CreatedAt:   e.nowStr(),
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeRole, r.ID, 0, r)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "role.created", domain.TypeRole, r.ID, m.Actor.ID,
		store.EventPayload{"name": r.Name, "permissions": len(r.Permissions)})
	return rec, err
}

func (e Engine) updateRole(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[RoleUpdate](m)
	if err != nil {
		return store.Rec{}, err
	}
	r, cur, err := getEntity[domain.Role](ctx, e.Store, tx, domain.TypeRole, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if r.IsSystem {
		return store.Rec{}, domain.ValidationError{Field: "id", Reason: "built-in roles cannot be modified"}
	}
	if p.Name != nil {
		if *p.Name == "" {
			return store.Rec{}, domain.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		if _, ok := e.Config.BuiltinPermissions(*p.Name); ok {
			return store.Rec{}, domain.ValidationError{Field: "name", Reason: fmt.Sprintf("%q is a built-in role", *p.Name)}
		}
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Color != nil {
		r.Color = *p.Color
	}
	if p.Permissions != nil {
		if err := e.checkPermissions(*p.Permissions); err != nil {
			return store.Rec{}, err
		}
		r.Permissions = *p.Permissions
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeRole, r.ID, m.guardVersion(cur), r)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "role.updated", domain.TypeRole, r.ID, m.Actor.ID,
		store.EventPayload{"name": r.Name})
	return rec, err
}

// deleteRole tombstones a custom role and reassigns every user that held
// it to the default member role, inside the same transaction.
func (e Engine) deleteRole(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	r, cur, err := getEntity[domain.Role](ctx, e.Store, tx, domain.TypeRole, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if r.IsSystem {
		return store.Rec{}, domain.ValidationError{Field: "id", Reason: "built-in roles cannot be deleted"}
	}
	var holders []store.Rec
	err = e.Store.Scan(ctx, tx, domain.TypeUser, func(rec store.Rec) error {
		u, err := store.Decode[domain.User](rec)
		if err != nil {
			return err
		}
		if u.Role == r.ID {
			holders = append(holders, rec)
		}
		return nil
	})
	if err != nil {
		return store.Rec{}, err
	}
	now := e.nowStr()
	for _, rec := range holders {
		u, err := store.Decode[domain.User](rec)
		if err != nil {
			return store.Rec{}, err
		}
		u.Role = "member"
		u.UpdatedAt = now
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeUser, u.ID, rec.Version, u); err != nil {
			return store.Rec{}, err
		}
		if err := e.Store.AppendEvent(ctx, tx, "user.role_reassigned", domain.TypeUser, u.ID, m.Actor.ID,
			store.EventPayload{"from": r.ID, "to": "member"}); err != nil {
			return store.Rec{}, err
		}
	}
	rec, err := e.Store.SoftDelete(ctx, tx, domain.TypeRole, r.ID, m.guardVersion(cur))
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "role.deleted", domain.TypeRole, r.ID, m.Actor.ID,
		store.EventPayload{"name": r.Name, "reassigned_users": len(holders)})
	return rec, err
}

// SeedBuiltinRoles materialises the configured built-in roles as stored
// entities so they appear in listings. Existing rows are left alone.
func (e Engine) SeedBuiltinRoles(ctx context.Context) error {
	for name, br := range e.Config.Roles.Builtin {
		_, err := e.Store.Get(ctx, e.DB, domain.TypeRole, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		r := domain.Role{
			ID:          name,
			Name:        name,
			Description: br.Description,
			Color:       br.Color,
			Permissions: br.Permissions,
			IsSystem:    true,
			CreatedAt:   e.nowStr(),
		}
		payload, err := store.Encode(r)
		if err != nil {
			return err
		}
		if _, err := e.Store.Put(ctx, e.DB, domain.TypeRole, name, 0, payload); err != nil {
			return err
		}
	}
	return nil
}
