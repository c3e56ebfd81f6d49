package query

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"flowdesk/internal/domain"
	"flowdesk/internal/store"
)

// Page selects a window of a listing. Token is an opaque cursor from a
// previous Result; an empty token starts at the beginning.
type Page struct {
	Limit int
	Token string
}

// Item is one listing row: the raw entity JSON plus its version, so
// clients can feed the version straight back into a guarded mutation.
type Item struct {
	ID      string
	Version int64
	Payload json.RawMessage
}

// Result is one page of a listing. Total counts every match, not just
// this page.
type Result struct {
	Items     []Item
	Total     int
	NextToken string
}

const defaultLimit = 50

// predicate tests one decoded entity against one filter value.
type predicate func(fields map[string]any, value string) bool

// filterSpecs names the filter keys each entity type accepts. Anything
// else is rejected, never silently ignored.
var filterSpecs = map[string]map[string]predicate{
	domain.TypeUser: {
		"role":   fieldEquals("role"),
		"status": fieldEquals("status"),
		"search": textSearch("name", "email"),
	},
	domain.TypeTask: {
		"status":      fieldEquals("status"),
		"priority":    fieldEquals("priority"),
		"assignee_id": fieldEquals("assignee_id"),
		"workflow_id": fieldEquals("workflow_id"),
		"tag":         listContains("tags"),
		"due_before":  fieldBefore("due_date"),
		"due_after":   fieldAfter("due_date"),
		"search":      textSearch("title", "description"),
	},
	domain.TypeWorkflow: {
		"status":  fieldEquals("status"),
		"team_id": fieldEquals("team_id"),
		"search":  textSearch("name", "description"),
	},
	domain.TypeTeam: {
		"member_id": memberOf,
		"search":    textSearch("name", "description"),
	},
	domain.TypeChannel: {
		"member_id": listContains("member_ids"),
		"type":      fieldEquals("type"),
	},
	domain.TypeMessage: {
		"channel_id": fieldEquals("channel_id"),
		"sender_id":  fieldEquals("sender_id"),
	},
	domain.TypeRole: {
		"is_system": boolEquals("is_system"),
		"search":    textSearch("name", "description"),
	},
	domain.TypeNotification: {
		"recipient_id": fieldEquals("recipient_id"),
		"read":         boolEquals("read"),
	},
}

// sortKeys lists the sortable fields per type. The default sort is
// created_at descending, newest first.
var sortKeys = map[string]map[string]bool{
	domain.TypeUser:         {"created_at": true, "name": true, "email": true, "role": true},
	domain.TypeTask:         {"created_at": true, "updated_at": true, "title": true, "priority": true, "status": true, "due_date": true},
	domain.TypeWorkflow:     {"created_at": true, "name": true, "status": true},
	domain.TypeTeam:         {"created_at": true, "name": true},
	domain.TypeChannel:      {"created_at": true, "name": true},
	domain.TypeMessage:      {"created_at": true},
	domain.TypeRole:         {"created_at": true, "name": true},
	domain.TypeNotification: {"created_at": true},
}

// priorityRank orders task priorities by urgency instead of
// alphabetically.
var priorityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "urgent": 3}

// List returns live entities of one type matching every filter, sorted
// and paged. Filters are conjunctive. An unknown entity type, filter key,
// sort key, or page token is a validation error.
func List(ctx context.Context, st store.Store, q store.Querier, typ string, filters map[string]string, sortBy string, desc bool, page Page) (Result, error) {
	spec, ok := filterSpecs[typ]
	if !ok {
		return Result{}, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entity type %q", typ)}
	}
	for key := range filters {
		if _, ok := spec[key]; !ok {
			return Result{}, domain.ValidationError{Field: key, Reason: fmt.Sprintf("unknown filter for %s", typ)}
		}
	}
	if sortBy == "" {
		sortBy = "created_at"
		desc = true
	}
	if !sortKeys[typ][sortBy] {
		return Result{}, domain.ValidationError{Field: "sort", Reason: fmt.Sprintf("cannot sort %s by %q", typ, sortBy)}
	}
	offset, err := decodeToken(page.Token)
	if err != nil {
		return Result{}, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	type row struct {
		item   Item
		fields map[string]any
	}
	var rows []row
	err = st.Scan(ctx, q, typ, func(rec store.Rec) error {
		var fields map[string]any
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			return fmt.Errorf("decode %s %s: %w", rec.Type, rec.ID, err)
		}
		for key, value := range filters {
			if !spec[key](fields, value) {
				return nil
			}
		}
		rows = append(rows, row{
			item:   Item{ID: rec.ID, Version: rec.Version, Payload: json.RawMessage(rec.Payload)},
			fields: fields,
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		less := compareField(typ, sortBy, rows[i].fields, rows[j].fields)
		if desc {
			return !less && !sameField(sortBy, rows[i].fields, rows[j].fields)
		}
		return less
	})

	res := Result{Total: len(rows)}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	for _, r := range rows[offset:end] {
		res.Items = append(res.Items, r.item)
	}
	if end < len(rows) {
		res.NextToken = encodeToken(end)
	}
	return res, nil
}

func compareField(typ, key string, a, b map[string]any) bool {
	if typ == domain.TypeTask && key == "priority" {
		return priorityRank[str(a, key)] < priorityRank[str(b, key)]
	}
	return str(a, key) < str(b, key)
}

func sameField(key string, a, b map[string]any) bool {
	return str(a, key) == str(b, key)
}

func str(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func fieldEquals(field string) predicate {
	return func(fields map[string]any, value string) bool {
		return str(fields, field) == value
	}
}

func boolEquals(field string) predicate {
	return func(fields map[string]any, value string) bool {
		b, _ := fields[field].(bool)
		want, err := strconv.ParseBool(value)
		return err == nil && b == want
	}
}

func fieldBefore(field string) predicate {
	return func(fields map[string]any, value string) bool {
		s := str(fields, field)
		return s != "" && s < value
	}
}

func fieldAfter(field string) predicate {
	return func(fields map[string]any, value string) bool {
		s := str(fields, field)
		return s != "" && s > value
	}
}

func listContains(field string) predicate {
	return func(fields map[string]any, value string) bool {
		items, _ := fields[field].([]any)
		for _, it := range items {
			if s, ok := it.(string); ok && s == value {
				return true
			}
		}
		return false
	}
}

func memberOf(fields map[string]any, value string) bool {
	members, _ := fields["members"].([]any)
	for _, m := range members {
		entry, _ := m.(map[string]any)
		if str(entry, "user_id") == value {
			return true
		}
	}
	return false
}

func textSearch(targets ...string) predicate {
	return func(fields map[string]any, value string) bool {
		needle := strings.ToLower(value)
		for _, field := range targets {
			if strings.Contains(strings.ToLower(str(fields, field)), needle) {
				return true
			}
		}
		return false
	}
}

func encodeToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, domain.ValidationError{Field: "page_token", Reason: "malformed token"}
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, domain.ValidationError{Field: "page_token", Reason: "malformed token"}
	}
	return n, nil
}
