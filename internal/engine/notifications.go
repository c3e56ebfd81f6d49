package engine

import (
	"context"
	"database/sql"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

func (e Engine) markNotificationRead(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	n, nrec, err := getEntity[domain.Notification](ctx, e.Store, tx, domain.TypeNotification, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if n.RecipientID != m.Actor.ID {
		return store.Rec{}, domain.PermissionDeniedError{ActorID: m.Actor.ID, Permission: "notifications.view"}
	}
	if n.Read {
		return nrec, nil
	}
	expected := m.guardVersion(nrec)
	n.Read = true
	return putEntity(ctx, e.Store, tx, domain.TypeNotification, n.ID, expected, n)
}

// markAllNotificationsRead flips every unread notification addressed to
// the actor. EntityID and ExpectedVersion are ignored.
func (e Engine) markAllNotificationsRead(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	var unread []store.Rec
	err := e.Store.Scan(ctx, tx, domain.TypeNotification, func(rec store.Rec) error {
		n, err := store.Decode[domain.Notification](rec)
		if err != nil {
			return err
		}
		if n.RecipientID == m.Actor.ID && !n.Read {
			unread = append(unread, rec)
		}
		return nil
	})
	if err != nil {
		return store.Rec{}, err
	}
	last := store.Rec{}
	for _, rec := range unread {
		n, err := store.Decode[domain.Notification](rec)
		if err != nil {
			return store.Rec{}, err
		}
		n.Read = true
		last, err = putEntity(ctx, e.Store, tx, domain.TypeNotification, n.ID, rec.Version, n)
		if err != nil {
			return store.Rec{}, err
		}
	}
	return last, nil
}
