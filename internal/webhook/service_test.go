package webhook

import (
	"context"
	"testing"

	"github.com/sydlexius/roadie/internal/apperr"
	"github.com/sydlexius/roadie/internal/database"
)

func setupTestDB(t *testing.T) *Service {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestCreate(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	w := &Webhook{
		Name:    "test hook",
		URL:     "https://example.com/hook",
		Events:  []string{"queue.item.approved", "extraction.failed"},
		Enabled: true,
	}
	if err := svc.Create(ctx, w); err != nil {
		t.Fatal(err)
	}
	if w.ID == "" {
		t.Error("expected ID to be set")
	}
	if w.Type != TypeGeneric {
		t.Errorf("Type = %q, want generic default", w.Type)
	}
}

func TestCreate_ValidationErrors(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		hook Webhook
	}{
		{"missing name", Webhook{URL: "https://example.com"}},
		{"missing url", Webhook{Name: "test"}},
		{"relative url", Webhook{Name: "test", URL: "/hook"}},
		{"bad scheme", Webhook{Name: "test", URL: "ftp://example.com"}},
		{"unknown type", Webhook{Name: "test", URL: "https://example.com", Type: "pager"}},
		{"unknown event", Webhook{Name: "test", URL: "https://example.com", Events: []string{"scan.completed"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Create(ctx, &tt.hook)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetByID(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	w := &Webhook{
		Name:    "get test",
		URL:     "https://example.com/hook",
		Type:    TypeDiscord,
		Events:  []string{"entity.created"},
		Enabled: true,
	}
	if err := svc.Create(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetByID(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "get test" {
		t.Errorf("Name = %q, want %q", got.Name, "get test")
	}
	if got.Type != TypeDiscord {
		t.Errorf("Type = %q, want %q", got.Type, TypeDiscord)
	}
	if len(got.Events) != 1 || got.Events[0] != "entity.created" {
		t.Errorf("Events = %v, want [entity.created]", got.Events)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	svc := setupTestDB(t)
	_, err := svc.GetByID(context.Background(), "nonexistent")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestList(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"bravo", "alpha", "charlie"} {
		w := &Webhook{Name: name, URL: "https://example.com/" + name, Events: []string{}}
		if err := svc.Create(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d webhooks, want 3", len(list))
	}
	if list[0].Name != "alpha" {
		t.Errorf("first webhook = %q, want alpha", list[0].Name)
	}
}

func TestListByEvent(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	hooks := []*Webhook{
		{Name: "approvals", URL: "https://example.com/1", Events: []string{"queue.item.approved"}, Enabled: true},
		{Name: "failures", URL: "https://example.com/2", Events: []string{"extraction.failed"}, Enabled: true},
		{Name: "disabled", URL: "https://example.com/3", Events: []string{"queue.item.approved"}, Enabled: false},
		{Name: "everything", URL: "https://example.com/4", Events: []string{}, Enabled: true},
	}
	for _, w := range hooks {
		if err := svc.Create(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	matched, err := svc.ListByEvent(ctx, "queue.item.approved")
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 2 {
		t.Fatalf("got %d matched, want 2 (disabled excluded): %+v", len(matched), matched)
	}
	if matched[0].Name != "approvals" || matched[1].Name != "everything" {
		t.Errorf("matched = %q, %q", matched[0].Name, matched[1].Name)
	}
}

func TestUpdate(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	w := &Webhook{Name: "original", URL: "https://example.com/1", Events: []string{}, Enabled: true}
	if err := svc.Create(ctx, w); err != nil {
		t.Fatal(err)
	}

	w.Name = "updated"
	w.Enabled = false
	if err := svc.Update(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetByID(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "updated" {
		t.Errorf("Name = %q, want updated", got.Name)
	}
	if got.Enabled {
		t.Error("expected Enabled to be false")
	}

	missing := &Webhook{ID: "nope", Name: "x", URL: "https://example.com"}
	if err := svc.Update(ctx, missing); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("updating missing webhook: %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	w := &Webhook{Name: "deleteme", URL: "https://example.com/del", Events: []string{}}
	if err := svc.Create(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetByID(ctx, w.ID); err == nil {
		t.Error("expected error after deletion")
	}
	if err := svc.Delete(ctx, "nope"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("deleting missing webhook: %v", err)
	}
}

func TestSeed(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	hooks := []Webhook{
		{Name: "ops", URL: "https://example.com/ops", Type: TypeSlack, Enabled: true},
		{Name: "audit", URL: "https://example.com/audit", Enabled: true},
	}
	n, err := svc.Seed(ctx, hooks)
	if err != nil || n != 2 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	n, err = svc.Seed(ctx, hooks)
	if err != nil || n != 0 {
		t.Errorf("second Seed = %d, %v", n, err)
	}
	list, _ := svc.List(ctx)
	if len(list) != 2 {
		t.Errorf("got %d webhooks after seeding twice", len(list))
	}
}
