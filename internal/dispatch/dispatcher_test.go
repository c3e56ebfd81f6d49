package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/dispatch"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/store"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, store.Store, context.Context) {
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
	cfg := config.Default("local")
	cfg.Engine.CoalesceWindow = config.Duration(50 * time.Millisecond)
	d := dispatch.New(st, cfg, zerolog.Nop(), nil)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, st, ctx
}

func appendEvent(t *testing.T, st store.Store, ctx context.Context, evtType, entityType, entityID, actorID string, payload store.EventPayload) {
	t.Helper()
	tx, err := st.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvent(ctx, tx, evtType, entityType, entityID, actorID, payload); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func waitEvent(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

func TestSubscribeReceivesCommittedEvents(t *testing.T) {
	d, st, ctx := newTestDispatcher(t)
	sub := d.Subscribe()
	defer sub.Unsubscribe()

	appendEvent(t, st, ctx, "task.created", domain.TypeTask, "t1", "u1", store.EventPayload{"title": "x"})
	d.Poke()

	evt := waitEvent(t, sub.Ch)
	if evt.Type != "task.created" || evt.EntityID != "t1" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	// the dispatcher mirrors every event into the audit log
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := st.ListAudit(ctx, store.AuditFilters{Action: "task.created"})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 1 && entries[0].ActorID == "u1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit entry not materialised")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscriptionTypeFilter(t *testing.T) {
	d, st, ctx := newTestDispatcher(t)
	sub := d.Subscribe("task.deleted")
	defer sub.Unsubscribe()

	appendEvent(t, st, ctx, "task.created", domain.TypeTask, "t1", "u1", nil)
	appendEvent(t, st, ctx, "task.deleted", domain.TypeTask, "t1", "u1", nil)
	d.Poke()

	evt := waitEvent(t, sub.Ch)
	if evt.Type != "task.deleted" {
		t.Fatalf("filter leaked %s", evt.Type)
	}
	select {
	case extra := <-sub.Ch:
		t.Fatalf("unexpected extra event %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresenceEventsCoalesce(t *testing.T) {
	d, st, ctx := newTestDispatcher(t)
	sub := d.Subscribe("user.presence")
	defer sub.Unsubscribe()

	for _, status := range []string{"inactive", "active", "inactive"} {
		appendEvent(t, st, ctx, "user.presence", domain.TypeUser, "u1", "u1", store.EventPayload{"status": status})
	}
	d.Poke()
	// wake the loop again once the window has passed
	time.Sleep(100 * time.Millisecond)
	d.Poke()

	evt := waitEvent(t, sub.Ch)
	if evt.Type != "user.presence" || evt.EntityID != "u1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	select {
	case extra := <-sub.Ch:
		t.Fatalf("presence flaps not coalesced, extra event id %d", extra.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAssignmentNotificationMaterialised(t *testing.T) {
	d, st, ctx := newTestDispatcher(t)
	appendEvent(t, st, ctx, "task.created", domain.TypeTask, "t1", "creator", store.EventPayload{
		"title": "x", "assignee_id": "worker",
	})
	d.Poke()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var found *domain.Notification
		err := st.Scan(ctx, st.DB, domain.TypeNotification, func(rec store.Rec) error {
			n, err := store.Decode[domain.Notification](rec)
			if err != nil {
				return err
			}
			if n.RecipientID == "worker" {
				found = &n
				return store.ErrStop
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if found != nil {
			if found.Read {
				t.Fatalf("new notification must start unread")
			}
			if found.ActionRef != "task:t1" {
				t.Fatalf("unexpected action ref %q", found.ActionRef)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification not materialised")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSelfAssignmentDoesNotNotify(t *testing.T) {
	d, st, ctx := newTestDispatcher(t)
	sub := d.Subscribe("task.created")
	defer sub.Unsubscribe()
	appendEvent(t, st, ctx, "task.created", domain.TypeTask, "t1", "worker", store.EventPayload{
		"title": "x", "assignee_id": "worker",
	})
	d.Poke()
	waitEvent(t, sub.Ch) // processing finished at least through this event

	count := 0
	err := st.Scan(ctx, st.DB, domain.TypeNotification, func(rec store.Rec) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("self-assignment should not notify, got %d notifications", count)
	}
}
