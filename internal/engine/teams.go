package engine

import (
	"context"
	"database/sql"
	"fmt"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// TeamCreate is the payload for team.create. The acting user becomes the
// owner unless OwnerID names someone else.
type TeamCreate struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"owner_id,omitempty"`
	MemberIDs   []string `json:"member_ids,omitempty"`
}

// TeamUpdate is the payload for team.update.
type TeamUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// TeamMemberChange is the payload for team.member_add, team.member_remove
// and team.transfer_ownership.
type TeamMemberChange struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

var teamRoles = map[string]bool{"owner": true, "admin": true, "member": true}

func (e Engine) createTeam(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TeamCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name == "" {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	ownerID := p.OwnerID
	if ownerID == "" {
		ownerID = m.Actor.ID
	}
	if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, ownerID); err != nil {
		return store.Rec{}, domain.ValidationError{Field: "owner_id", Reason: fmt.Sprintf("user %s not found", ownerID)}
	}
	now := e.nowStr()
	t := domain.Team{
		ID:          newID(),
		Name:        p.Name,
		Description: p.Description,
		Members:     []domain.TeamMember{{UserID: ownerID, Role: "owner", JoinedAt: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, id := range p.MemberIDs {
		if id == ownerID || t.HasMember(id) {
			continue
		}
		if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, id); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "member_ids", Reason: fmt.Sprintf("user %s not found", id)}
		}
		t.Members = append(t.Members, domain.TeamMember{UserID: id, Role: "member", JoinedAt: now})
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, 0, t)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.created", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"name": t.Name, "owner_id": ownerID})
	return rec, err
}

func (e Engine) updateTeam(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TeamUpdate](m)
	if err != nil {
		return store.Rec{}, err
	}
	t, cur, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name != nil {
		if *p.Name == "" {
			return store.Rec{}, domain.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	t.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, m.guardVersion(cur), t)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.updated", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"name": t.Name})
	return rec, err
}

// deleteTeam tombstones the team. Workflows scoped to it are released to
// the whole workspace rather than removed.
func (e Engine) deleteTeam(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	t, cur, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	var scoped []store.Rec
	err = e.Store.Scan(ctx, tx, domain.TypeWorkflow, func(rec store.Rec) error {
		w, err := store.Decode[domain.Workflow](rec)
		if err != nil {
			return err
		}
		if w.TeamID == t.ID {
			scoped = append(scoped, rec)
		}
		return nil
	})
	if err != nil {
		return store.Rec{}, err
	}
	now := e.nowStr()
	for _, rec := range scoped {
		w, err := store.Decode[domain.Workflow](rec)
		if err != nil {
			return store.Rec{}, err
		}
		w.TeamID = ""
		w.UpdatedAt = now
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeWorkflow, w.ID, rec.Version, w); err != nil {
			return store.Rec{}, err
		}
	}
	rec, err := e.Store.SoftDelete(ctx, tx, domain.TypeTeam, t.ID, m.guardVersion(cur))
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.deleted", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"name": t.Name})
	return rec, err
}

func (e Engine) addTeamMember(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TeamMemberChange](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.UserID == "" {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	role := p.Role
	if role == "" {
		role = "member"
	}
	if role == "owner" || !teamRoles[role] {
		return store.Rec{}, domain.ValidationError{Field: "role", Reason: fmt.Sprintf("cannot add a member with role %q", role)}
	}
	t, cur, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, p.UserID); err != nil {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: fmt.Sprintf("user %s not found", p.UserID)}
	}
	if t.HasMember(p.UserID) {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "already a member"}
	}
	t.Members = append(t.Members, domain.TeamMember{UserID: p.UserID, Role: role, JoinedAt: e.nowStr()})
	t.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, m.guardVersion(cur), t)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.member_added", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"user_id": p.UserID, "role": role})
	return rec, err
}

func (e Engine) removeTeamMember(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TeamMemberChange](m)
	if err != nil {
		return store.Rec{}, err
	}
	t, cur, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	idx := -1
	for i, mem := range t.Members {
		if mem.UserID == p.UserID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "not a member"}
	}
	if t.Members[idx].Role == "owner" {
		return store.Rec{}, domain.OwnerConstraintError{TeamID: t.ID, UserID: p.UserID}
	}
	t.Members = append(t.Members[:idx], t.Members[idx+1:]...)
	t.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, m.guardVersion(cur), t)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.member_removed", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"user_id": p.UserID})
	return rec, err
}

// transferOwnership makes the named member the owner and demotes the
// previous owner to admin.
func (e Engine) transferOwnership(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TeamMemberChange](m)
	if err != nil {
		return store.Rec{}, err
	}
	t, cur, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if !t.HasMember(p.UserID) {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "new owner must already be a member"}
	}
	owner, ok := t.Owner()
	if !ok {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "team has no owner"}
	}
	if owner.UserID == p.UserID {
		return store.Rec{}, domain.ValidationError{Field: "user_id", Reason: "already the owner"}
	}
	for i := range t.Members {
		switch t.Members[i].UserID {
		case owner.UserID:
			t.Members[i].Role = "admin"
		case p.UserID:
			t.Members[i].Role = "owner"
		}
	}
	t.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTeam, t.ID, m.guardVersion(cur), t)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "team.ownership_transferred", domain.TypeTeam, t.ID, m.Actor.ID,
		store.EventPayload{"from": owner.UserID, "to": p.UserID})
	return rec, err
}
