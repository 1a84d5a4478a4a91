package sessions

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := setupStore(t)

	session, err := store.Create(CreateOptions{
		ProjectPath: "/work/demo",
		Model:       "sonnet",
		Metadata:    map[string]any{"team": "infra"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated ID")
	}
	if session.Status != StatusActive {
		t.Errorf("new session status = %s, want active", session.Status)
	}

	loaded, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.ProjectPath != "/work/demo" || loaded.Model != "sonnet" {
		t.Errorf("loaded session mismatch: %+v", loaded)
	}
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	store := setupStore(t)
	session, _ := store.Create(CreateOptions{ProjectPath: "/p"})

	archived := StatusArchived
	updated, err := store.Update(session.ID, Patch{Status: &archived})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Status != StatusArchived {
		t.Errorf("status = %s, want archived", updated.Status)
	}

	bogus := SessionStatus("exploded")
	if _, err := store.Update(session.ID, Patch{Status: &bogus}); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestUpdateMetadataAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	session, err := store.Create(CreateOptions{ProjectPath: "/p"})
	if err != nil {
		t.Fatal(err)
	}

	// The empty metadata map is omitted from sessions.json, so a
	// reopened store loads the session with nil metadata.
	reopened, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := reopened.Update(session.ID, Patch{Metadata: map[string]any{"team": "infra"}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Metadata["team"] != "infra" {
		t.Errorf("metadata = %v", updated.Metadata)
	}

	loaded, err := reopened.Get(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Metadata["team"] != "infra" {
		t.Errorf("persisted metadata = %v", loaded.Metadata)
	}
}

func TestDelete(t *testing.T) {
	store := setupStore(t)
	session, _ := store.Create(CreateOptions{ProjectPath: "/p"})

	if err := store.Delete(session.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	store := setupStore(t)

	a, _ := store.Create(CreateOptions{ProjectPath: "/a"})
	time.Sleep(2 * time.Millisecond)
	b, _ := store.Create(CreateOptions{ProjectPath: "/b"})
	archived := StatusArchived
	store.Update(b.ID, Patch{Status: &archived})

	all, err := store.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	// b was updated last, so it sorts first.
	if all[0].ID != b.ID {
		t.Errorf("expected most recently updated first")
	}

	active, _ := store.List(ListOptions{Status: StatusActive})
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("active filter returned %d sessions", len(active))
	}

	byPath, _ := store.List(ListOptions{ProjectPath: "/a"})
	if len(byPath) != 1 || byPath[0].ID != a.ID {
		t.Errorf("project_path filter returned %d sessions", len(byPath))
	}

	limited, _ := store.List(ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestSearch(t *testing.T) {
	store := setupStore(t)

	tagged, _ := store.Create(CreateOptions{
		ProjectPath: "/p",
		Metadata:    map[string]any{"purpose": "Release Notes"},
	})
	store.Create(CreateOptions{ProjectPath: "/p"})

	hits, err := store.Search("release", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != tagged.ID {
		t.Fatalf("metadata search returned %d hits", len(hits))
	}

	byID, _ := store.Search(tagged.ID[:8], 0)
	if len(byID) != 1 {
		t.Errorf("ID prefix search returned %d hits", len(byID))
	}
}

func TestAddCostAndIncrementMessages(t *testing.T) {
	store := setupStore(t)
	session, _ := store.Create(CreateOptions{ProjectPath: "/p"})

	if err := store.AddCost(session.ID, 0.25); err != nil {
		t.Fatalf("AddCost failed: %v", err)
	}
	if err := store.AddCost(session.ID, 0.10); err != nil {
		t.Fatal(err)
	}
	if err := store.IncrementMessages(session.ID); err != nil {
		t.Fatal(err)
	}

	loaded, _ := store.Get(session.ID)
	if math.Abs(loaded.TotalCostUSD-0.35) > 1e-9 {
		t.Errorf("total_cost_usd = %f, want 0.35", loaded.TotalCostUSD)
	}
	if loaded.MessagesCount != 1 {
		t.Errorf("messages_count = %d, want 1", loaded.MessagesCount)
	}

	if err := store.AddCost(session.ID, -0.01); err == nil {
		t.Error("negative cost must be rejected")
	}
}

func TestCleanup(t *testing.T) {
	store := setupStore(t)

	old, _ := store.Create(CreateOptions{ProjectPath: "/p"})
	fresh, _ := store.Create(CreateOptions{ProjectPath: "/p"})

	// Backdate the old session past the retention window.
	d := newDocument()
	if err := store.doc.WithLock(d, func() error {
		d.Sessions[old.ID].UpdatedAt = time.Now().UTC().AddDate(0, 0, -45)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Cleanup(30)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expired session survived cleanup")
	}
	if _, err := store.Get(fresh.ID); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}
}
