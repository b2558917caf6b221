package store

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/opportunet/playbook/pkg/schema"
)

func testPlaybook(id string) *schema.Playbook {
	return &schema.Playbook{
		ID:      id,
		Name:    "Test " + id,
		Version: "1.0.0",
		Actions: []schema.Action{
			{ID: "open", Type: "navigate", Value: "https://example.org"},
		},
	}
}

func TestDefinitionStoreRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewDefinitionStore(fs, "/data/playbooks")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Save(testPlaybook("alpha")); err != nil {
		t.Fatalf("save: %v", err)
	}
	pb, err := s.Load("alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pb.Name != "Test alpha" || len(pb.Actions) != 1 {
		t.Errorf("loaded = %+v", pb)
	}
}

func TestDefinitionStoreLoadMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _ := NewDefinitionStore(fs, "/data/playbooks")

	_, err := s.Load("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDefinitionStoreListSorted(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _ := NewDefinitionStore(fs, "/data/playbooks")

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := s.Save(testPlaybook(id)); err != nil {
			t.Fatal(err)
		}
	}
	defs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(defs) != len(want) {
		t.Fatalf("list = %d entries", len(defs))
	}
	for i, id := range want {
		if defs[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, defs[i].ID, id)
		}
	}
}

func TestDefinitionStoreDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _ := NewDefinitionStore(fs, "/data/playbooks")

	if err := s.Save(testPlaybook("gone")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after delete = %v", err)
	}
}

func TestHistoryStoreOrdering(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewHistoryStore(fs, "/data/history")
	if err != nil {
		t.Fatal(err)
	}

	// Monotonic ULIDs generated in sequence sort in creation order.
	var ids []string
	for i := 0; i < 3; i++ {
		entry := &HistoryEntry{
			ID:         NewHistoryID(),
			PlaybookID: "alpha",
			ExecutedAt: time.Now().UTC(),
			Success:    i%2 == 0,
		}
		ids = append(ids, entry.ID)
		if err := s.Append(entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	for i, entry := range entries {
		if entry.ID != ids[i] {
			t.Errorf("entries[%d] = %s, want %s", i, entry.ID, ids[i])
		}
	}
}

func TestHistoryStoreListByPlaybook(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _ := NewHistoryStore(fs, "/data/history")

	for _, pid := range []string{"alpha", "bravo", "alpha"} {
		entry := &HistoryEntry{ID: NewHistoryID(), PlaybookID: pid, ExecutedAt: time.Now().UTC()}
		if err := s.Append(entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListByPlaybook("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("alpha entries = %d, want 2", len(entries))
	}
	for _, entry := range entries {
		if entry.PlaybookID != "alpha" {
			t.Errorf("wrong playbook: %+v", entry)
		}
	}
}

func TestNewHistoryIDsAreUniqueAndSortable(t *testing.T) {
	prev := ""
	for i := 0; i < 50; i++ {
		id := NewHistoryID()
		if id <= prev {
			t.Fatalf("id %q not greater than %q", id, prev)
		}
		prev = id
	}
}
