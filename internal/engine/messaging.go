package engine

import (
	"context"
	"database/sql"
	"fmt"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// ChannelCreate is the payload for channel.create. The acting user is
// always a member of the resulting channel.
type ChannelCreate struct {
	Name      string   `json:"name,omitempty"`
	Type      string   `json:"type"`
	MemberIDs []string `json:"member_ids"`
}

// MessagePost is the payload for message.post. The sender is the actor.
type MessagePost struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

var channelTypes = map[string]bool{"direct": true, "group": true, "team": true}

func (e Engine) createChannel(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[ChannelCreate](m)
	if err != nil {
		return store.Rec{}, err
	}
	if !channelTypes[p.Type] {
		return store.Rec{}, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown channel type %q", p.Type)}
	}
	members := []string{m.Actor.ID}
	seen := map[string]bool{m.Actor.ID: true}
	for _, id := range p.MemberIDs {
		if seen[id] {
			continue
		}
		if _, _, err := getEntity[domain.User](ctx, e.Store, tx, domain.TypeUser, id); err != nil {
			return store.Rec{}, domain.ValidationError{Field: "member_ids", Reason: fmt.Sprintf("user %s not found", id)}
		}
		seen[id] = true
		members = append(members, id)
	}
	if p.Type == "direct" {
		if len(members) != 2 {
			return store.Rec{}, domain.ValidationError{Field: "member_ids", Reason: "a direct channel has exactly two members"}
		}
	} else if p.Name == "" {
		return store.Rec{}, domain.ValidationError{Field: "name", Reason: "required for group and team channels"}
	}
	c := domain.Channel{
		ID:        newID(),
		Name:      p.Name,
		Type:      p.Type,
		MemberIDs: members,
		CreatedAt: e.nowStr(),
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeChannel, c.ID, 0, c)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "channel.created", domain.TypeChannel, c.ID, m.Actor.ID,
		store.EventPayload{"type": c.Type, "members": len(members)})
	return rec, err
}

// postMessage creates the message and updates the channel's last-message
// pointer and unread counters in the same transaction.
func (e Engine) postMessage(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	p, err := decodePayload[MessagePost](m)
	if err != nil {
		return store.Rec{}, err
	}
	if p.Content == "" {
		return store.Rec{}, domain.ValidationError{Field: "content", Reason: "required"}
	}
	c, crec, err := getEntity[domain.Channel](ctx, e.Store, tx, domain.TypeChannel, p.ChannelID)
	if err != nil {
		return store.Rec{}, err
	}
	if !c.HasMember(m.Actor.ID) {
		return store.Rec{}, domain.ValidationError{Field: "channel_id", Reason: "sender is not a channel member"}
	}
	msg := domain.Message{
		ID:        newID(),
		ChannelID: c.ID,
		SenderID:  m.Actor.ID,
		Content:   p.Content,
		ReadBy:    []string{m.Actor.ID},
		CreatedAt: e.nowStr(),
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeMessage, msg.ID, 0, msg)
	if err != nil {
		return rec, err
	}
	c.LastMessageID = msg.ID
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	for _, id := range c.MemberIDs {
		if id != m.Actor.ID {
			c.UnreadCounts[id]++
		}
	}
	if _, err := putEntity(ctx, e.Store, tx, domain.TypeChannel, c.ID, crec.Version, c); err != nil {
		return store.Rec{}, err
	}
	err = e.Store.AppendEvent(ctx, tx, "message.posted", domain.TypeMessage, msg.ID, m.Actor.ID,
		store.EventPayload{"channel_id": c.ID})
	return rec, err
}

// markChannelRead zeroes the actor's unread counter and stamps the actor
// into the read set of every message they had not seen.
func (e Engine) markChannelRead(ctx context.Context, tx *sql.Tx, m Mutation) (store.Rec, error) {
	c, crec, err := getEntity[domain.Channel](ctx, e.Store, tx, domain.TypeChannel, m.EntityID)
	if err != nil {
		return store.Rec{}, err
	}
	if !c.HasMember(m.Actor.ID) {
		return store.Rec{}, domain.ValidationError{Field: "channel_id", Reason: "not a channel member"}
	}
	var unread []store.Rec
	err = e.Store.Scan(ctx, tx, domain.TypeMessage, func(rec store.Rec) error {
		msg, err := store.Decode[domain.Message](rec)
		if err != nil {
			return err
		}
		if msg.ChannelID != c.ID {
			return nil
		}
		for _, id := range msg.ReadBy {
			if id == m.Actor.ID {
				return nil
			}
		}
		unread = append(unread, rec)
		return nil
	})
	if err != nil {
		return store.Rec{}, err
	}
	for _, rec := range unread {
		msg, err := store.Decode[domain.Message](rec)
		if err != nil {
			return store.Rec{}, err
		}
		msg.ReadBy = append(msg.ReadBy, m.Actor.ID)
		if _, err := putEntity(ctx, e.Store, tx, domain.TypeMessage, msg.ID, rec.Version, msg); err != nil {
			return store.Rec{}, err
		}
	}
	if c.UnreadCounts != nil {
		delete(c.UnreadCounts, m.Actor.ID)
	}
	rec, err := putEntity(ctx, e.Store, tx, domain.TypeChannel, c.ID, m.guardVersion(crec), c)
	if err != nil {
		return rec, err
	}
	err = e.Store.AppendEvent(ctx, tx, "channel.marked_read", domain.TypeChannel, c.ID, m.Actor.ID,
		store.EventPayload{"messages": len(unread)})
	return rec, err
}
