package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// StageInput describes one stage in a workflow payload. ID is optional on
// create; the engine assigns one when absent.
type StageInput struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Order int    `json:"order"`
	Color string `json:"color,omitempty"`
}

// WorkflowCreate is the payload for workflow.create.
type WorkflowCreate struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Stages      []StageInput `json:"stages"`
	TeamID      *string      `json:"team_id,omitempty"`
}

// WorkflowUpdate is the payload for workflow.update.
type WorkflowUpdate struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *string       `json:"status,omitempty"`
	Stages      *[]StageInput `json:"stages,omitempty"`
	TeamID      *string       `json:"team_id,omitempty"`
}

func validateStages(in []StageInput) ([]domain.Stage, error) {
	if len(in) < 2 {
		return nil, domain.ValidationError{Field: "stages", Reason: "a workflow needs at least two stages"}
	}
	byOrder := make(map[int]bool, len(in))
	ids := make(map[string]bool, len(in))
	stages := make([]domain.Stage, 0, len(in))
	for i, s := range in {
		if s.Name == "" {
			return nil, domain.ValidationError{Field: "stages", Reason: fmt.Sprintf("stage %d has no name", i)}
		}
		if byOrder[s.Order] {
			return nil, domain.ValidationError{Field: "stages", Reason: fmt.Sprintf("duplicate stage order %d", s.Order)}
		}
		byOrder[s.Order] = true
		id := s.ID
		if id == "" {
			id = newID()
		}
		if ids[id] {
			return nil, domain.ValidationError{Field: "stages", Reason: fmt.Sprintf("duplicate stage id %s", id)}
		}
		ids[id] = true
		stages = append(stages, domain.Stage{ID: id, Name: s.Name, Order: s.Order, Color: s.Color})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	for i, s := range stages {
		if s.Order != i+1 {
			return nil, domain.ValidationError{Field: "stages", Reason: "stage orders must run 1..n without gaps"}
		}
	}
	return stages, nil
}

func (e Engine) createWorkflow(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[WorkflowCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name == "" {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	stages, err := validateStages(p.Stages)
	if err != nil {
		return store.Rec{}, err
	}
	teamID := ""
	if p.TeamID != nil && *p.TeamID != "" {
		if _, _, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, *p.TeamID); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "team_id", Reason: fmt.Sprintf("team %s not found", *p.TeamID)}
		}
		teamID = *p.TeamID
	}
	now := e.nowStr()
	w := domain.Workflow{
		ID:          newID(),
		Name:        p.Name,
		Description: p.Description,
		Status:      "active",
		Stages:      stages,
		TeamID:      teamID,
		CreatedByID: m.Actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeWorkflow, w.ID, 0, w)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "workflow.created", domain.TypeWorkflow, w.ID, m.Actor.ID,
		store.EventPayload{"name": w.Name, "stages": len(w.Stages)})
	return rec, err
}

func (e Engine) updateWorkflow(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[WorkflowUpdate](m)
	if err != nil {
		return store.Rec{}, err
	}
	w, cur, err := getEntity[domain.Workflow](ctx, e.Store, tx, domain.TypeWorkflow, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Name != nil {
		if *p.Name == "" {
			return store.Rec{}, domain.ValidationError{Field: "name", Reason: "must not be empty"}
		}
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Status != nil {
		if *p.Status != "active" && *p.Status != "archived" {
			return store.Rec{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *p.Status)}
		}
		w.Status = *p.Status
	}
	if p.Stages != nil {
		stages, err := validateStages(*p.Stages)
		if err != nil {
			return store.Rec{}, err
		}
		w.Stages = stages
	}
	if p.TeamID != nil {
		if *p.TeamID == "" {
			w.TeamID = ""
		} else {
			if _, _, err := getEntity[domain.Team](ctx, e.Store, tx, domain.TypeTeam, *p.TeamID); err != nil {
				return store.Rec{}, domain.ValidationError{Field: "team_id", Reason: fmt.Sprintf("team %s not found", *p.TeamID)}
			}
			w.TeamID = *p.TeamID
		}
	}
	w.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeWorkflow, w.ID, m.guardVersion(cur), w)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "workflow.updated", domain.TypeWorkflow, w.ID, m.Actor.ID,
		store.EventPayload{"name": w.Name, "status": w.Status})
	return rec, err
}

// deleteWorkflow unlinks every task that references the workflow before
// tombstoning it, all inside the mutation transaction.
func (e Engine) deleteWorkflow(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	w, cur, err := getEntity[domain.Workflow](ctx, e.Store, tx, domain.TypeWorkflow, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	var linked []store.Rec
	err = e.Store.Scan(ctx, tx, domain.TypeTask, func(rec store.Rec) error {
		t, err := store.Decode[domain.Task](rec)
		if err != nil {
			return err
		}
		if t.WorkflowID != nil && *t.WorkflowID == w.ID {
			linked = append(linked, rec)
		}
		return nil
	})
	if err != nil {
		return store.Rec{}, err
	}
	now := e.nowStr()
	for _, rec := range linked {
		t, err := store.Decode[domain.Task](rec)
		if err != nil {
			return store.Rec{}, err
		}
		t.WorkflowID = nil
		t.UpdatedAt = now
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeTask, t.ID, rec.Version, t); err != nil {
			return store.Rec{}, err
		}
		if err := e.Store.AppendEvent(ctx, tx, "task.workflow_unlinked", domain.TypeTask, t.ID, m.Actor.ID,
			store.EventPayload{"workflow_id": w.ID}); err != nil {
			return store.Rec{}, err
		}
	}
	rec, err := e.Store.SoftDelete(ctx, tx, domain.TypeWorkflow, w.ID, m.guardVersion(cur))
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "workflow.deleted", domain.TypeWorkflow, w.ID, m.Actor.ID,
		store.EventPayload{"name": w.Name, "unlinked_tasks": len(linked)})
	return rec, err
}
