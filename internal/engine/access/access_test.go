package access_test

import (
	"context"
	"errors"
	"testing"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine/access"
	"flowdesk/internal/migrate"
	"flowdesk/internal/store"
)

func newGate(t *testing.T) (access.Gate, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.Store{DB: conn}
	return access.Gate{Config: config.Default("local"), Store: st}, context.Background()
}

func TestBuiltinRolePermissions(t *testing.T) {
	g, ctx := newGate(t)
	admin := access.Actor{ID: "a", Role: "admin"}
	member := access.Actor{ID: "m", Role: "member"}

	if err := g.Authorize(ctx, admin, "role.create", domain.TypeRole, "", ""); err != nil {
		t.Fatalf("admin should manage roles: %v", err)
	}
	if err := g.Authorize(ctx, member, "task.create", domain.TypeTask, "", ""); err != nil {
		t.Fatalf("member should create tasks: %v", err)
	}
	err := g.Authorize(ctx, member, "user.delete", domain.TypeUser, "u9", "")
	var denied domain.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected deny, got %v", err)
	}
	if denied.Permission != "users.delete" {
		t.Fatalf("wrong permission in deny: %q", denied.Permission)
	}
}

func TestCustomRoleResolvedFromStore(t *testing.T) {
	g, ctx := newGate(t)
	role := domain.Role{ID: "r-custom", Name: "poster", Permissions: []string{"messages.send", "messages.view"}}
	payload, err := store.Encode(role)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Store.Put(ctx, g.Store.DB, domain.TypeRole, role.ID, 0, payload); err != nil {
		t.Fatal(err)
	}
	actor := access.Actor{ID: "u1", Role: role.ID}
	if err := g.Authorize(ctx, actor, "message.post", domain.TypeChannel, "c1", ""); err != nil {
		t.Fatalf("custom role should allow posting: %v", err)
	}
	if err := g.Authorize(ctx, actor, "task.create", domain.TypeTask, "", ""); err == nil {
		t.Fatalf("custom role should not create tasks")
	}
}

func TestDeletedRoleGrantsNothing(t *testing.T) {
	g, ctx := newGate(t)
	role := domain.Role{ID: "r-gone", Name: "gone", Permissions: []string{"tasks.create"}}
	payload, _ := store.Encode(role)
	if _, err := g.Store.Put(ctx, g.Store.DB, domain.TypeRole, role.ID, 0, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Store.SoftDelete(ctx, g.Store.DB, domain.TypeRole, role.ID, 1); err != nil {
		t.Fatal(err)
	}
	err := g.Authorize(ctx, access.Actor{ID: "u1", Role: role.ID}, "task.create", domain.TypeTask, "", "")
	if domain.ErrorKind(err) != domain.KindPermissionDenied {
		t.Fatalf("expected deny for deleted role, got %v", err)
	}
}

func TestDenyWritesAuditEntry(t *testing.T) {
	g, ctx := newGate(t)
	_ = g.Authorize(ctx, access.Actor{ID: "u1", Role: "member"}, "audit.list", "audit", "", "10.0.0.9")
	entries, err := g.Store.ListAudit(ctx, store.AuditFilters{ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if entries[0].Action != "audit.list" || entries[0].IPAddress != "10.0.0.9" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestMissingActorAndUnknownOp(t *testing.T) {
	g, ctx := newGate(t)
	if err := g.Authorize(ctx, access.Actor{}, "task.create", domain.TypeTask, "", ""); domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for missing actor, got %v", err)
	}
	if err := g.Authorize(ctx, access.Actor{ID: "u1", Role: "admin"}, "task.explode", domain.TypeTask, "", ""); domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown op, got %v", err)
	}
}
