package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/access"
	"flowdesk/internal/migrate"
	"flowdesk/internal/store"
)

var (
	admin  = access.Actor{ID: "admin-1", Role: "admin"}
	member = access.Actor{ID: "member-1", Role: "member"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng := engine.New(conn, config.Default("local"))
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SeedBuiltinRoles(ctx); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) submit(t *testing.T, actor access.Actor, op, entityID string, version int64, payload any) (engine.Result, error) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	return env.Engine.Submit(env.Ctx, engine.Mutation{
		Actor:           actor,
		Op:              op,
		EntityID:        entityID,
		ExpectedVersion: version,
		Payload:         raw,
	})
}

func (env testEnv) mustSubmit(t *testing.T, actor access.Actor, op, entityID string, version int64, payload any) store.Rec {
	t.Helper()
	res, err := env.submit(t, actor, op, entityID, version, payload)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return res.Rec
}

func (env testEnv) createUser(t *testing.T, name, email, role string) domain.User {
	t.Helper()
	rec := env.mustSubmit(t, admin, "user.create", "", 0, engine.UserCreate{Name: name, Email: email, Role: role})
	u, err := store.Decode[domain.User](rec)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestTaskCreateDefaultsAndUpdate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustSubmit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "Ship it"})
	task, err := store.Decode[domain.Task](rec)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != "todo" || task.Priority != "medium" {
		t.Fatalf("unexpected defaults: %s/%s", task.Status, task.Priority)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}
	status := "in-progress"
	rec = env.mustSubmit(t, admin, "task.update", task.ID, 1, engine.TaskUpdate{Status: &status})
	task, _ = store.Decode[domain.Task](rec)
	if task.Status != "in-progress" || rec.Version != 2 {
		t.Fatalf("update not applied: %s v%d", task.Status, rec.Version)
	}
	// stale guard
	_, err = env.submit(t, admin, "task.update", task.ID, 1, engine.TaskUpdate{Status: &status})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestTaskRejectsUnknownReferences(t *testing.T) {
	env := newTestEnv(t)
	ghost := "no-such-user"
	_, err := env.submit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "x", AssigneeID: &ghost})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	badStatus := engine.TaskCreate{Title: "x", Status: "sideways"}
	if _, err := env.submit(t, admin, "task.create", "", 0, badStatus); domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for status, got %v", err)
	}
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	m := engine.Mutation{
		IdempotencyKey: "create-once",
		Actor:          admin,
		Op:             "task.create",
		Payload:        json.RawMessage(`{"title":"only one"}`),
	}
	first, err := env.Engine.Submit(env.Ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Submit(env.Ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay")
	}
	if second.Rec.ID != first.Rec.ID || second.Rec.Version != first.Rec.Version {
		t.Fatalf("replay returned a different record: %s v%d vs %s v%d",
			second.Rec.ID, second.Rec.Version, first.Rec.ID, first.Rec.Version)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM entities WHERE type='task'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one task, got %d", count)
	}
}

func TestPermissionDeniedIsAudited(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.submit(t, member, "user.create", "", 0, engine.UserCreate{Name: "x", Email: "x@x.io"})
	var denied domain.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	entries, err := env.Engine.Store.ListAudit(env.Ctx, store.AuditFilters{ActorID: member.ID, Action: "user.create"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
}

func TestWorkflowStageValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.submit(t, admin, "workflow.create", "", 0, engine.WorkflowCreate{
		Name:   "short",
		Stages: []engine.StageInput{{Name: "only", Order: 1}},
	})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for single stage, got %v", err)
	}
	_, err = env.submit(t, admin, "workflow.create", "", 0, engine.WorkflowCreate{
		Name:   "gapped",
		Stages: []engine.StageInput{{Name: "a", Order: 1}, {Name: "b", Order: 3}},
	})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for gapped orders, got %v", err)
	}
	rec := env.mustSubmit(t, admin, "workflow.create", "", 0, engine.WorkflowCreate{
		Name:   "ok",
		Stages: []engine.StageInput{{Name: "a", Order: 1}, {Name: "b", Order: 2}},
	})
	w, _ := store.Decode[domain.Workflow](rec)
	if len(w.Stages) != 2 || w.Stages[0].ID == "" {
		t.Fatalf("expected stage ids assigned: %+v", w.Stages)
	}
}

func TestWorkflowDeleteUnlinksTasks(t *testing.T) {
	env := newTestEnv(t)
	wrec := env.mustSubmit(t, admin, "workflow.create", "", 0, engine.WorkflowCreate{
		Name:   "flow",
		Stages: []engine.StageInput{{Name: "a", Order: 1}, {Name: "b", Order: 2}},
	})
	w, _ := store.Decode[domain.Workflow](wrec)
	trec := env.mustSubmit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "linked", WorkflowID: &w.ID})
	task, _ := store.Decode[domain.Task](trec)

	env.mustSubmit(t, admin, "workflow.delete", w.ID, wrec.Version, nil)

	got, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeTask, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	task, _ = store.Decode[domain.Task](got)
	if task.WorkflowID != nil {
		t.Fatalf("expected task unlinked, still points at %s", *task.WorkflowID)
	}
	events, err := env.Engine.Store.EventsAfter(env.Ctx, 100, 0, domain.TypeTask)
	if err != nil {
		t.Fatal(err)
	}
	var unlinked bool
	for _, evt := range events {
		if evt.Type == "task.workflow_unlinked" && evt.EntityID == task.ID {
			unlinked = true
		}
	}
	if !unlinked {
		t.Fatalf("expected task.workflow_unlinked event")
	}
}

func TestSoleOwnerCannotBeRemoved(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createUser(t, "Owner", "owner@x.io", "manager")
	other := env.createUser(t, "Other", "other@x.io", "member")
	trec := env.mustSubmit(t, admin, "team.create", "", 0, engine.TeamCreate{
		Name: "core", OwnerID: owner.ID, MemberIDs: []string{other.ID},
	})
	team, _ := store.Decode[domain.Team](trec)

	// removing or suspending the owner must fail while they hold the team
	_, err := env.submit(t, admin, "team.member_remove", team.ID, 0, engine.TeamMemberChange{UserID: owner.ID})
	var oc domain.OwnerConstraintError
	if !errors.As(err, &oc) {
		t.Fatalf("expected OwnerConstraintError on removal, got %v", err)
	}
	if _, err := env.submit(t, admin, "user.suspend", owner.ID, 0, nil); !errors.As(err, &oc) {
		t.Fatalf("expected OwnerConstraintError on suspend, got %v", err)
	}

	env.mustSubmit(t, admin, "team.transfer_ownership", team.ID, 0, engine.TeamMemberChange{UserID: other.ID})
	if _, err := env.submit(t, admin, "user.suspend", owner.ID, 0, nil); err != nil {
		t.Fatalf("suspend after transfer: %v", err)
	}
	got, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeTeam, team.ID)
	if err != nil {
		t.Fatal(err)
	}
	team, _ = store.Decode[domain.Team](got)
	if team.HasMember(owner.ID) {
		t.Fatalf("suspended user should be removed from team membership")
	}
	newOwner, ok := team.Owner()
	if !ok || newOwner.UserID != other.ID {
		t.Fatalf("ownership not transferred: %+v", team.Members)
	}
}

func TestSuspendUnassignsTasks(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "Worker", "worker@x.io", "member")
	trec := env.mustSubmit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "theirs", AssigneeID: &u.ID})
	task, _ := store.Decode[domain.Task](trec)

	env.mustSubmit(t, admin, "user.suspend", u.ID, 0, nil)

	got, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeTask, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	task, _ = store.Decode[domain.Task](got)
	if task.AssigneeID != nil {
		t.Fatalf("expected task unassigned after suspend")
	}
	urec, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeUser, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	u, _ = store.Decode[domain.User](urec)
	if u.Status != "suspended" {
		t.Fatalf("unexpected status %q", u.Status)
	}
}

func TestRoleDeleteReassignsHolders(t *testing.T) {
	env := newTestEnv(t)
	rrec := env.mustSubmit(t, admin, "role.create", "", 0, engine.RoleCreate{
		Name: "auditor", Permissions: []string{"audit.view", "tasks.view"},
	})
	role, _ := store.Decode[domain.Role](rrec)
	u := env.createUser(t, "Aud", "aud@x.io", role.ID)

	env.mustSubmit(t, admin, "role.delete", role.ID, rrec.Version, nil)

	urec, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeUser, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	u, _ = store.Decode[domain.User](urec)
	if u.Role != "member" {
		t.Fatalf("expected holder reassigned to member, got %q", u.Role)
	}
	var nf domain.NotFoundError
	if _, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeRole, role.ID); !errors.As(err, &nf) {
		t.Fatalf("expected role gone, got %v", err)
	}
}

func TestSystemRolesAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.submit(t, admin, "role.delete", "admin", 0, nil); domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error deleting builtin role, got %v", err)
	}
	name := "renamed"
	if _, err := env.submit(t, admin, "role.update", "member", 0, engine.RoleUpdate{Name: &name}); domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error updating builtin role, got %v", err)
	}
}

func TestMessageUnreadCounters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createUser(t, "A", "a@x.io", "member")
	b := env.createUser(t, "B", "b@x.io", "member")
	crec := env.mustSubmit(t, access.Actor{ID: a.ID, Role: "member"}, "channel.create", "", 0, engine.ChannelCreate{
		Type: "direct", MemberIDs: []string{a.ID, b.ID},
	})
	ch, _ := store.Decode[domain.Channel](crec)

	mrec := env.mustSubmit(t, access.Actor{ID: a.ID, Role: "member"}, "message.post", "", 0, engine.MessagePost{
		ChannelID: ch.ID, Content: "hello",
	})
	msg, _ := store.Decode[domain.Message](mrec)

	crecAfter, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeChannel, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	ch, _ = store.Decode[domain.Channel](crecAfter)
	if ch.LastMessageID != msg.ID {
		t.Fatalf("last message not tracked")
	}
	if ch.UnreadCounts[b.ID] != 1 || ch.UnreadCounts[a.ID] != 0 {
		t.Fatalf("unexpected unread counts: %+v", ch.UnreadCounts)
	}

	env.mustSubmit(t, access.Actor{ID: b.ID, Role: "member"}, "channel.mark_read", ch.ID, 0, nil)
	crecAfter, _ = env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeChannel, ch.ID)
	ch, _ = store.Decode[domain.Channel](crecAfter)
	if ch.UnreadCounts[b.ID] != 0 {
		t.Fatalf("expected unread cleared, got %+v", ch.UnreadCounts)
	}
	mrecAfter, _ := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeMessage, msg.ID)
	msg, _ = store.Decode[domain.Message](mrecAfter)
	found := false
	for _, id := range msg.ReadBy {
		if id == b.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reader recorded, got %v", msg.ReadBy)
	}
}

func TestNonMemberCannotPost(t *testing.T) {
	env := newTestEnv(t)
	a := env.createUser(t, "A", "a@x.io", "member")
	b := env.createUser(t, "B", "b@x.io", "member")
	outsider := env.createUser(t, "C", "c@x.io", "member")
	crec := env.mustSubmit(t, access.Actor{ID: a.ID, Role: "member"}, "channel.create", "", 0, engine.ChannelCreate{
		Type: "direct", MemberIDs: []string{a.ID, b.ID},
	})
	ch, _ := store.Decode[domain.Channel](crec)
	_, err := env.submit(t, access.Actor{ID: outsider.ID, Role: "member"}, "message.post", "", 0, engine.MessagePost{
		ChannelID: ch.ID, Content: "let me in",
	})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected rejection for non-member, got %v", err)
	}
}

func TestEmailUniqueness(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "A", "same@x.io", "member")
	_, err := env.submit(t, admin, "user.create", "", 0, engine.UserCreate{Name: "B", Email: "SAME@x.io"})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for duplicate email, got %v", err)
	}
}

func TestUnknownOpRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.submit(t, admin, "task.fold", "", 0, nil)
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEventsRecordCommitOrder(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustSubmit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "evented"})
	status := "in-progress"
	env.mustSubmit(t, admin, "task.update", rec.ID, rec.Version, engine.TaskUpdate{Status: &status})
	env.mustSubmit(t, admin, "task.delete", rec.ID, rec.Version+1, nil)

	events, err := env.Engine.Store.EventsAfter(env.Ctx, 100, 0, domain.TypeTask)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"task.created", "task.updated", "task.deleted"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Type)
		}
	}
}

func TestMarkAllReadReplaysWhenNothingWasUnread(t *testing.T) {
	env := newTestEnv(t)
	m := engine.Mutation{
		IdempotencyKey: "mark-all-once",
		Actor:          member,
		Op:             "notification.mark_all_read",
	}
	first, err := env.Engine.Submit(env.Ctx, m)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Rec.ID != "" {
		t.Fatalf("expected no entity for an empty inbox, got %q", first.Rec.ID)
	}
	second, err := env.Engine.Submit(env.Ctx, m)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay")
	}
}

func TestChannelMarkReadHonoursVersionGuard(t *testing.T) {
	env := newTestEnv(t)
	a := env.createUser(t, "A", "a@x.io", "member")
	b := env.createUser(t, "B", "b@x.io", "member")
	actorA := access.Actor{ID: a.ID, Role: "member"}
	actorB := access.Actor{ID: b.ID, Role: "member"}
	crec := env.mustSubmit(t, actorA, "channel.create", "", 0, engine.ChannelCreate{
		Type: "direct", MemberIDs: []string{a.ID, b.ID},
	})
	ch, _ := store.Decode[domain.Channel](crec)
	env.mustSubmit(t, actorA, "message.post", "", 0, engine.MessagePost{ChannelID: ch.ID, Content: "hi"})

	// Posting bumped the channel past the version the stale guard names.
	_, err := env.submit(t, actorB, "channel.mark_read", ch.ID, crec.Version, nil)
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for stale guard, got %v", err)
	}

	env.mustSubmit(t, actorB, "channel.mark_read", ch.ID, 0, nil)
	after, err := env.Engine.Store.GetLive(env.Ctx, env.Engine.DB, domain.TypeChannel, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	ch, _ = store.Decode[domain.Channel](after)
	if ch.UnreadCounts[b.ID] != 0 {
		t.Fatalf("unread count = %d after mark_read", ch.UnreadCounts[b.ID])
	}
}

func TestOpTimeoutSurfacesAndClears(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.OpTimeout = config.Duration(time.Nanosecond)
	_, err := env.submit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "too slow"})
	var timeout domain.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if timeout.Op != "task.create" {
		t.Fatalf("timeout op = %q", timeout.Op)
	}

	// The budget is per submission; a retry with a sane budget goes through.
	env.Engine.Config.Engine.OpTimeout = config.Duration(5 * time.Second)
	env.mustSubmit(t, admin, "task.create", "", 0, engine.TaskCreate{Title: "on time"})
}
