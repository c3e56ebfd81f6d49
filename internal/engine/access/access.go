// Package access is the single authorization gate. Every mutation and
// sensitive read is checked here against the fixed permission catalog.
package access

import (
	"context"
	"errors"
	"fmt"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// Actor identifies the caller: user id plus role, supplied by the session
// layer. The gate never manages credentials.
type Actor struct {
	ID   string
	Role string
}

// opPermissions maps every operation to the catalog permission it requires.
// An op absent from this table cannot be authorized at all.
var opPermissions = map[string]string{
	"user.create":  "users.create",
	"user.update":  "users.edit",
	"user.suspend": "users.delete",
	"user.delete":  "users.delete",

	"task.create": "tasks.create",
	"task.update": "tasks.edit",
	"task.delete": "tasks.delete",

	"workflow.create": "workflows.create",
	"workflow.update": "workflows.edit",
	"workflow.delete": "workflows.delete",

	"team.create":             "teams.manage",
	"team.update":             "teams.manage",
	"team.delete":             "teams.manage",
	"team.member_add":         "teams.manage",
	"team.member_remove":      "teams.manage",
	"team.transfer_ownership": "teams.manage",

	"channel.create":    "messages.send",
	"channel.mark_read": "messages.view",
	"message.post":      "messages.send",

	"role.create": "admin.access",
	"role.update": "admin.access",
	"role.delete": "admin.access",

	"notification.mark_read":     "notifications.view",
	"notification.mark_all_read": "notifications.view",

	"users.list":         "users.view",
	"tasks.list":         "tasks.view",
	"workflows.list":     "workflows.view",
	"teams.list":         "teams.view",
	"channels.list":      "messages.view",
	"messages.list":      "messages.view",
	"roles.list":         "users.view",
	"notifications.list": "notifications.view",
	"audit.list":         "audit.view",
	"events.watch":       "notifications.view",
}

// PermissionFor returns the catalog permission an operation requires.
func PermissionFor(op string) (string, bool) {
	p, ok := opPermissions[op]
	return p, ok
}

// Gate authorizes operations against built-in role sets from config and
// custom roles stored as entities.
type Gate struct {
	Config *config.Config
	Store  store.Store
}

// Authorize checks the actor's role for the operation's permission. Every
// deny is recorded as a PermissionDenied audit entry before the error is
// returned.
func (g Gate) Authorize(ctx context.Context, actor Actor, op, resourceType, resourceID, ip string) error {
	if actor.ID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	perm, ok := PermissionFor(op)
	if !ok {
		return domain.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	perms, err := g.rolePermissions(ctx, actor.Role)
	if err != nil {
		return err
	}
	for _, p := range perms {
		if p == perm {
			return nil
		}
	}
	denied := domain.PermissionDeniedError{ActorID: actor.ID, Permission: perm}
	if auditErr := g.Store.AppendAudit(ctx, g.Store.DB, domain.AuditLogEntry{
		ActorID:      actor.ID,
		Action:       op,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Description:  fmt.Sprintf("PermissionDenied: %s", denied.Error()),
		IPAddress:    ip,
	}); auditErr != nil {
		return fmt.Errorf("record deny: %w", auditErr)
	}
	return denied
}

// rolePermissions resolves a role name to its permission set: built-in
// roles come from config, anything else is looked up as a stored role
// entity.
func (g Gate) rolePermissions(ctx context.Context, role string) ([]string, error) {
	if role == "" {
		return nil, nil
	}
	if perms, ok := g.Config.BuiltinPermissions(role); ok {
		return perms, nil
	}
	rec, err := g.Store.GetLive(ctx, g.Store.DB, domain.TypeRole, role)
	if err != nil {
		var nf domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	r, err := store.Decode[domain.Role](rec)
	if err != nil {
		return nil, err
	}
	return r.Permissions, nil
}
