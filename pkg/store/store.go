// Package store persists playbook definitions and execution history as
// one JSON document per record over an afero filesystem.
package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/opportunet/playbook/pkg/schema"
)

// ErrNotFound is returned when a definition or history entry does not exist.
var ErrNotFound = errors.New("not found")

// HistoryEntry records one playbook execution. Written once by the
// manager after every run; never mutated.
type HistoryEntry struct {
	ID                 string         `json:"id"`
	PlaybookID         string         `json:"playbookId"`
	ExecutedAt         time.Time      `json:"executedAt"`
	Success            bool           `json:"success"`
	OpportunitiesFound int            `json:"opportunitiesFound"`
	ExecutionTime      int64          `json:"executionTime"` // milliseconds
	Errors             []string       `json:"errors,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"` // caller-supplied overrides only
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewHistoryID generates a sortable unique id for a history entry.
// The shared monotonic source keeps ids strictly increasing even within
// one millisecond.
func NewHistoryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// DefinitionStore keeps one <id>.json file per playbook definition.
type DefinitionStore struct {
	fs  afero.Fs
	dir string
}

// NewDefinitionStore creates the backing directory if needed.
func NewDefinitionStore(fs afero.Fs, dir string) (*DefinitionStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create definitions dir: %w", err)
	}
	return &DefinitionStore{fs: fs, dir: dir}, nil
}

func (s *DefinitionStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the definition document, replacing any previous version.
func (s *DefinitionStore) Save(pb *schema.Playbook) error {
	data, err := json.MarshalIndent(pb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal playbook %q: %w", pb.ID, err)
	}
	if err := afero.WriteFile(s.fs, s.path(pb.ID), data, 0644); err != nil {
		return fmt.Errorf("write playbook %q: %w", pb.ID, err)
	}
	return nil
}

// Load reads one definition by id.
func (s *DefinitionStore) Load(id string) (*schema.Playbook, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		return nil, fmt.Errorf("playbook %q: %w", id, ErrNotFound)
	}
	var pb schema.Playbook
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("decode playbook %q: %w", id, err)
	}
	return &pb, nil
}

// Delete removes the stored definition.
func (s *DefinitionStore) Delete(id string) error {
	if err := s.fs.Remove(s.path(id)); err != nil {
		return fmt.Errorf("remove playbook %q: %w", id, err)
	}
	return nil
}

// List loads every stored definition, sorted by id.
func (s *DefinitionStore) List() ([]*schema.Playbook, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var out []*schema.Playbook
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		pb, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HistoryStore keeps one <id>.json file per execution record.
type HistoryStore struct {
	fs  afero.Fs
	dir string
}

// NewHistoryStore creates the backing directory if needed.
func NewHistoryStore(fs afero.Fs, dir string) (*HistoryStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &HistoryStore{fs: fs, dir: dir}, nil
}

// Append persists one execution record.
func (s *HistoryStore) Append(entry *HistoryEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history %q: %w", entry.ID, err)
	}
	path := filepath.Join(s.dir, entry.ID+".json")
	if err := afero.WriteFile(s.fs, path, data, 0644); err != nil {
		return fmt.Errorf("write history %q: %w", entry.ID, err)
	}
	return nil
}

// List loads every history record, oldest first (ULIDs sort by time).
func (s *HistoryStore) List() ([]*HistoryEntry, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	out := make([]*HistoryEntry, 0, len(names))
	for _, name := range names {
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read history %q: %w", name, err)
		}
		var he HistoryEntry
		if err := json.Unmarshal(data, &he); err != nil {
			return nil, fmt.Errorf("decode history %q: %w", name, err)
		}
		out = append(out, &he)
	}
	return out, nil
}

// ListByPlaybook returns the records for one playbook id, oldest first.
func (s *HistoryStore) ListByPlaybook(playbookID string) ([]*HistoryEntry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*HistoryEntry
	for _, he := range all {
		if he.PlaybookID == playbookID {
			out = append(out, he)
		}
	}
	return out, nil
}
