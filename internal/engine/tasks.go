package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// TaskCreate is the payload for task.create.
type TaskCreate struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	WorkflowID  *string  `json:"workflow_id,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TaskUpdate is the payload for task.update. Pointer fields distinguish
// "leave unchanged" from "clear": an explicit empty string clears the
// assignee, workflow, or due date.
type TaskUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	WorkflowID  *string   `json:"workflow_id,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

var (
	taskStatuses   = map[string]bool{"todo": true, "in-progress": true, "review": true, "completed": true}
	taskPriorities = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}
)

func (e Engine) createTask(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TaskCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Title == "" {
		return store.Rec{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if p.Status == "" {
		p.Status = "todo"
	}
	if !taskStatuses[p.Status] {
		return store.Rec{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if p.Priority == "" {
		p.Priority = "medium"
	}
	if !taskPriorities[p.Priority] {
		return store.Rec{}, domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", p.Priority)}
	}
	if p.AssigneeID != nil && *p.AssigneeID != "" {
		if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, *p.AssigneeID); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "assignee_id", Reason: fmt.Sprintf("user %s not found", *p.AssigneeID)}
		}
	} else {
		p.AssigneeID = nil
	}
	if p.WorkflowID != nil && *p.WorkflowID != "" {
		if _, _, err := getEntity[domain.Workflow](ctx, e.Store, tx, domain.TypeWorkflow, *p.WorkflowID); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "workflow_id", Reason: fmt.Sprintf("workflow %s not found", *p.WorkflowID)}
		}
	} else {
		p.WorkflowID = nil
	}
	if p.DueDate != nil && *p.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, *p.DueDate); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "due_date", Reason: "must be RFC 3339"}
		}
	} else {
		p.DueDate = nil
	}
	now := e.nowStr()
	t := domain.Task{
		ID:          newID(),
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Priority:    p.Priority,
		AssigneeID:  p.AssigneeID,
		WorkflowID:  p.WorkflowID,
		DueDate:     p.DueDate,
		Tags:        dedupe(p.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTask, t.ID, 0, t)
	if err != nil {
		return rec, err
	}
	payload := store.EventPayload{"title": t.Title, "status": t.Status, "priority": t.Priority}
	if t.AssigneeID != nil {
		payload["assignee_id"] = *t.AssigneeID
	}
	err = e.Store.AppendEvent(ctx, tx, "task.created", domain.TypeTask, t.ID, m.Actor.ID, payload)
	return rec, err
}

func (e Engine) updateTask(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[TaskUpdate](m)
	if err != nil {
		return store.Rec{}, err
	}
	t, cur, err := getEntity[domain.Task](ctx, e.Store, tx, domain.TypeTask, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	original := t
	if p.Title != nil {
		if *p.Title == "" {
			return store.Rec{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		if !taskStatuses[*p.Status] {
			return store.Rec{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *p.Status)}
		}
		t.Status = *p.Status
	}
	if p.Priority != nil {
		if !taskPriorities[*p.Priority] {
			return store.Rec{}, domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", *p.Priority)}
		}
		t.Priority = *p.Priority
	}
	if p.AssigneeID != nil {
		if *p.AssigneeID == "" {
			t.AssigneeID = nil
		} else {
			if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, *p.AssigneeID); err != nil {
				return store.Rec{}, domain.ValidationError{Field: "assignee_id", Reason: fmt.Sprintf("user %s not found", *p.AssigneeID)}
			}
			t.AssigneeID = p.AssigneeID
		}
	}
	if p.WorkflowID != nil {
		if *p.WorkflowID == "" {
			t.WorkflowID = nil
		} else {
			if _, _, err := getEntity[domain.Workflow](ctx, e.Store, tx, domain.TypeWorkflow, *p.WorkflowID); err != nil {
				return store.Rec{}, domain.ValidationError{Field: "workflow_id", Reason: fmt.Sprintf("workflow %s not found", *p.WorkflowID)}
			}
			t.WorkflowID = p.WorkflowID
		}
	}
	if p.DueDate != nil {
		if *p.DueDate == "" {
			t.DueDate = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *p.DueDate); err != nil {
				return store.Rec{}, domain.ValidationError{Field: "due_date", Reason: "must be RFC 3339"}
			}
			t.DueDate = p.DueDate
		}
	}
	if p.Tags != nil {
		t.Tags = dedupe(*p.Tags)
	}
	t.UpdatedAt = e.nowStr()
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeTask, t.ID, m.guardVersion(cur), t)
	if err != nil {
		return rec, err
	}
	payload := store.EventPayload{"from_status": original.Status, "to_status": t.Status}
	if p.AssigneeID != nil && t.AssigneeID != nil {
		payload["assignee_id"] = *t.AssigneeID
	}
	err = e.Store.AppendEvent(ctx, tx, "task.updated", domain.TypeTask, t.ID, m.Actor.ID, payload)
	return rec, err
}

func (e Engine) deleteTask(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	t, cur, err := getEntity[domain.Task](ctx, e.Store, tx, domain.TypeTask, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	rec, err := e.Store.SoftDelete(ctx, tx, domain.TypeTask, t.ID, m.guardVersion(cur))
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "task.deleted", domain.TypeTask, t.ID, m.Actor.ID, store.EventPayload{"title": t.Title})
	return rec, err
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
