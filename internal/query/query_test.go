package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/query"
	"flowdesk/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
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
	return store.Store{DB: conn}, context.Background()
}

func putTask(t *testing.T, st store.Store, ctx context.Context, task domain.Task) {
	t.Helper()
	payload, err := store.Encode(task)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Put(ctx, st.DB, domain.TypeTask, task.ID, 0, payload); err != nil {
		t.Fatal(err)
	}
}

func seedTasks(t *testing.T, st store.Store, ctx context.Context) {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assignee := "u1"
	specs := []domain.Task{
		{ID: "t1", Title: "Fix login page", Status: "todo", Priority: "urgent", AssigneeID: &assignee, Tags: []string{"bug"}},
		{ID: "t2", Title: "Write docs", Status: "in-progress", Priority: "low", Tags: []string{"docs"}},
		{ID: "t3", Title: "Fix logout", Status: "todo", Priority: "high", Tags: []string{"bug", "auth"}},
		{ID: "t4", Title: "Plan sprint", Status: "completed", Priority: "medium"},
	}
	for i, task := range specs {
		task.CreatedAt = base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		putTask(t, st, ctx, task)
	}
}

func TestFiltersAreConjunctive(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	res, err := query.List(ctx, st, st.DB, domain.TypeTask,
		map[string]string{"status": "todo", "tag": "bug"}, "", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Fatalf("expected 2 matches, got %d", res.Total)
	}
	res, err = query.List(ctx, st, st.DB, domain.TypeTask,
		map[string]string{"status": "todo", "assignee_id": "u1"}, "", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Items[0].ID != "t1" {
		t.Fatalf("expected only t1, got %+v", res.Items)
	}
}

func TestSearchMatchesSubstrings(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	res, err := query.List(ctx, st, st.DB, domain.TypeTask,
		map[string]string{"search": "fix lo"}, "", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Fatalf("expected 2 matches, got %d", res.Total)
	}
}

func TestUnknownFilterAndSortRejected(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	_, err := query.List(ctx, st, st.DB, domain.TypeTask,
		map[string]string{"owner": "u1"}, "", false, query.Page{})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown filter, got %v", err)
	}
	_, err = query.List(ctx, st, st.DB, domain.TypeTask, nil, "owner", false, query.Page{})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown sort, got %v", err)
	}
	_, err = query.List(ctx, st, st.DB, "gadget", nil, "", false, query.Page{})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestDefaultSortNewestFirst(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	res, err := query.List(ctx, st, st.DB, domain.TypeTask, nil, "", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].ID != "t4" || res.Items[len(res.Items)-1].ID != "t1" {
		t.Fatalf("unexpected default order: %v", ids(res.Items))
	}
}

func TestPrioritySortsByUrgency(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	res, err := query.List(ctx, st, st.DB, domain.TypeTask, nil, "priority", true, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"t1", "t3", "t4", "t2"} // urgent, high, medium, low
	got := ids(res.Items)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPaginationTokenWalksAllRows(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	var collected []string
	token := ""
	for i := 0; i < 10; i++ {
		res, err := query.List(ctx, st, st.DB, domain.TypeTask, nil, "title", false, query.Page{Limit: 3, Token: token})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 4 {
			t.Fatalf("total should count all matches, got %d", res.Total)
		}
		collected = append(collected, ids(res.Items)...)
		if res.NextToken == "" {
			break
		}
		token = res.NextToken
	}
	if len(collected) != 4 {
		t.Fatalf("pagination lost or repeated rows: %v", collected)
	}

	_, err := query.List(ctx, st, st.DB, domain.TypeTask, nil, "", false, query.Page{Token: "!!not-base64!!"})
	if domain.ErrorKind(err) != domain.KindValidation {
		t.Fatalf("expected validation error for bad token, got %v", err)
	}
}

func TestDeletedRowsInvisible(t *testing.T) {
	st, ctx := newTestStore(t)
	seedTasks(t, st, ctx)
	if _, err := st.SoftDelete(ctx, st.DB, domain.TypeTask, "t2", 1); err != nil {
		t.Fatal(err)
	}
	res, err := query.List(ctx, st, st.DB, domain.TypeTask, nil, "", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 {
		t.Fatalf("expected 3 live rows, got %d", res.Total)
	}
	for _, it := range res.Items {
		if it.ID == "t2" {
			t.Fatalf("tombstoned row leaked into listing")
		}
	}
}

func TestDueDateWindowFilters(t *testing.T) {
	st, ctx := newTestStore(t)
	for i := 1; i <= 3; i++ {
		due := fmt.Sprintf("2024-03-0%dT00:00:00Z", i)
		putTask(t, st, ctx, domain.Task{
			ID: fmt.Sprintf("d%d", i), Title: "dated", Status: "todo", Priority: "low", DueDate: &due,
		})
	}
	res, err := query.List(ctx, st, st.DB, domain.TypeTask,
		map[string]string{"due_before": "2024-03-03T00:00:00Z", "due_after": "2024-03-01T00:00:00Z"},
		"", false, query.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Items[0].ID != "d2" {
		t.Fatalf("expected only d2 in window, got %v", ids(res.Items))
	}
}

func ids(items []query.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
