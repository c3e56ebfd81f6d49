package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flowdesk/internal/config"
	"flowdesk/internal/domain"
	"flowdesk/internal/metrics"
	"flowdesk/internal/store"
)

const (
	pollInterval = 500 * time.Millisecond
	batchSize    = 200
)

// Subscription is a live event feed. Ch closes on Unsubscribe or when the
// dispatcher shuts down. Delivery is best effort: a subscriber that stops
// draining loses events rather than stalling the dispatcher.
type Subscription struct {
	Ch    chan domain.Event
	types map[string]bool
	d     *Dispatcher
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.d.remove(s)
}

// Dispatcher tails the events table and fans committed events out to
// in-process subscribers, materialising notifications and audit rows as a
// side effect. It never participates in mutation transactions.
type Dispatcher struct {
	Store   store.Store
	Config  *config.Config
	Log     zerolog.Logger
	Metrics *metrics.Collector

	mu      sync.Mutex
	subs    map[*Subscription]bool
	cursor  int64
	pending map[string]domain.Event // presence events held for coalescing, by entity id
	flushAt time.Time

	nudge chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

func New(st store.Store, cfg *config.Config, log zerolog.Logger, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		Store:   st,
		Config:  cfg,
		Log:     log,
		Metrics: m,
		subs:    map[*Subscription]bool{},
		pending: map[string]domain.Event{},
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins tailing from the current end of the events table. Events
// committed before Start are not replayed.
func (d *Dispatcher) Start(ctx context.Context) error {
	cursor, err := d.Store.LatestEventID(ctx)
	if err != nil {
		return err
	}
	d.cursor = cursor
	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop shuts the dispatcher down and closes every subscription.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs {
		close(s.Ch)
		delete(d.subs, s)
	}
}

// Poke wakes the tail loop. Wired to the engine's commit hook; safe to
// call from any goroutine.
func (d *Dispatcher) Poke() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Subscribe returns a feed of committed events, optionally restricted to
// the given event types.
func (d *Dispatcher) Subscribe(types ...string) *Subscription {
	buf := d.Config.Engine.SubscriberBuffer
	if buf <= 0 {
		buf = 64
	}
	s := &Subscription{Ch: make(chan domain.Event, buf), d: d}
	if len(types) > 0 {
		s.types = map[string]bool{}
		for _, t := range types {
			s.types[t] = true
		}
	}
	d.mu.Lock()
	d.subs[s] = true
	d.mu.Unlock()
	return s
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[s] {
		delete(d.subs, s)
		close(s.Ch)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			d.flushPending()
			return
		case <-ctx.Done():
			d.flushPending()
			return
		case <-d.nudge:
		case <-ticker.C:
		}
		d.drain(ctx)
		d.maybeFlush()
	}
}

// drain pulls every event past the cursor and processes it in commit
// order. The cursor only moves forward.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		events, err := d.Store.EventsAfter(ctx, batchSize, d.cursor, "")
		if err != nil {
			d.Log.Error().Err(err).Msg("event tail read failed")
			return
		}
		if len(events) == 0 {
			return
		}
		for _, evt := range events {
			d.process(ctx, evt)
			d.cursor = evt.ID
		}
		if len(events) < batchSize {
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, evt domain.Event) {
	d.audit(ctx, evt)
	d.notify(ctx, evt)
	if evt.Type == "user.presence" {
		d.coalesce(evt)
		return
	}
	d.publish(evt)
}

// coalesce holds presence events back for the configured window so a
// flapping user produces one delivery, keeping only the newest event per
// entity.
func (d *Dispatcher) coalesce(evt domain.Event) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.flushAt = time.Now().Add(d.Config.Engine.CoalesceWindow.Std())
	}
	d.pending[evt.EntityID] = evt
	d.mu.Unlock()
}

func (d *Dispatcher) maybeFlush() {
	d.mu.Lock()
	due := len(d.pending) > 0 && !time.Now().Before(d.flushAt)
	d.mu.Unlock()
	if due {
		d.flushPending()
	}
}

func (d *Dispatcher) flushPending() {
	d.mu.Lock()
	held := d.pending
	d.pending = map[string]domain.Event{}
	d.mu.Unlock()
	for _, evt := range held {
		d.publish(evt)
	}
}

func (d *Dispatcher) publish(evt domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs {
		if s.types != nil && !s.types[evt.Type] {
			continue
		}
		select {
		case s.Ch <- evt:
			d.Metrics.RecordEventPublished()
		default:
			d.Metrics.RecordEventDropped()
			d.Log.Warn().Str("event", evt.Type).Int64("id", evt.ID).Msg("slow subscriber, event dropped")
		}
	}
}

func (d *Dispatcher) audit(ctx context.Context, evt domain.Event) {
	err := d.Store.AppendAudit(ctx, d.Store.DB, domain.AuditLogEntry{
		ActorID:      evt.ActorID,
		Action:       evt.Type,
		ResourceType: evt.EntityType,
		ResourceID:   evt.EntityID,
	})
	if err != nil {
		d.Log.Error().Err(err).Str("event", evt.Type).Msg("audit append failed")
	}
}

// notify turns selected events into stored notification entities for the
// users they concern. Failures are logged and skipped; notifications are
// advisory.
func (d *Dispatcher) notify(ctx context.Context, evt domain.Event) {
	var payload map[string]any
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			d.Log.Error().Err(err).Int64("id", evt.ID).Msg("bad event payload")
			return
		}
	}
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	switch evt.Type {
	case "task.created", "task.updated":
		assignee := str("assignee_id")
		if assignee != "" && assignee != evt.ActorID {
			d.createNotification(ctx, domain.Notification{
				RecipientID: assignee,
				Title:       "Task assigned to you",
				Message:     "You were assigned task " + evt.EntityID,
				Type:        "info",
				ActionRef:   "task:" + evt.EntityID,
			})
		}
	case "task.unassigned":
		// the user is being detached; nothing useful to tell them
	case "message.posted":
		channelID := str("channel_id")
		rec, err := d.Store.GetLive(ctx, d.Store.DB, domain.TypeChannel, channelID)
		if err != nil {
			return
		}
		c, err := store.Decode[domain.Channel](rec)
		if err != nil {
			return
		}
		for _, id := range c.MemberIDs {
			if id == evt.ActorID {
				continue
			}
			d.createNotification(ctx, domain.Notification{
				RecipientID: id,
				Title:       "New message",
				Message:     "New message in " + channelName(c),
				Type:        "info",
				ActionRef:   "channel:" + c.ID,
			})
		}
	case "team.member_added":
		if userID := str("user_id"); userID != "" && userID != evt.ActorID {
			d.createNotification(ctx, domain.Notification{
				RecipientID: userID,
				Title:       "Added to a team",
				Message:     "You were added to team " + evt.EntityID,
				Type:        "success",
				ActionRef:   "team:" + evt.EntityID,
			})
		}
	case "team.ownership_transferred":
		if to := str("to"); to != "" && to != evt.ActorID {
			d.createNotification(ctx, domain.Notification{
				RecipientID: to,
				Title:       "You are now a team owner",
				Message:     "Ownership of team " + evt.EntityID + " was transferred to you",
				Type:        "info",
				ActionRef:   "team:" + evt.EntityID,
			})
		}
	case "user.role_reassigned":
		d.createNotification(ctx, domain.Notification{
			RecipientID: evt.EntityID,
			Title:       "Role changed",
			Message:     "Your role was reset to member because your previous role was deleted",
			Type:        "warning",
		})
	case "user.suspended":
		d.createNotification(ctx, domain.Notification{
			RecipientID: evt.EntityID,
			Title:       "Account suspended",
			Message:     "Your account was suspended by an administrator",
			Type:        "error",
		})
	}
}

func (d *Dispatcher) createNotification(ctx context.Context, n domain.Notification) {
	now := time.Now()
	if d.Store.Now != nil {
		now = d.Store.Now()
	}
	n.ID = uuid.New().String()
	n.CreatedAt = now.UTC().Format(time.RFC3339)
	payload, err := store.Encode(n)
	if err != nil {
		d.Log.Error().Err(err).Msg("encode notification")
		return
	}
	if _, err := d.Store.Put(ctx, d.Store.DB, domain.TypeNotification, n.ID, 0, payload); err != nil {
		d.Log.Error().Err(err).Str("recipient", n.RecipientID).Msg("store notification")
	}
}

func channelName(c domain.Channel) string {
	if c.Name != "" {
		return c.Name
	}
	return "a direct channel"
}
