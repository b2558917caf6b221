// Package manager owns the playbook lifecycle: storage, validation,
// search, execution dispatch, history and statistics.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/opportunet/playbook/pkg/browser"
	"github.com/opportunet/playbook/pkg/logging"
	"github.com/opportunet/playbook/pkg/runtime"
	"github.com/opportunet/playbook/pkg/schema"
	"github.com/opportunet/playbook/pkg/store"
)

// ErrExists is returned by Create when the playbook id is already taken.
var ErrExists = errors.New("playbook already exists")

// ErrNotFound is returned when a playbook id is unknown to the manager.
var ErrNotFound = errors.New("playbook not found")

// ValidationFailedError carries the validation outcome of a rejected
// create/update/import.
type ValidationFailedError struct {
	ID     string
	Result schema.ValidationResult
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("playbook %q failed validation: %s", e.ID, strings.Join(e.Result.Errors, "; "))
}

// Stats aggregates the execution history of one playbook. Derived
// entirely from history entries; RecomputeStats rebuilds it from disk.
type Stats struct {
	TotalExecutions           int           `json:"totalExecutions"`
	SuccessfulExecutions      int           `json:"successfulExecutions"`
	FailedExecutions          int           `json:"failedExecutions"`
	SuccessRate               float64       `json:"successRate"` // percentage
	AverageExecutionTime      time.Duration `json:"averageExecutionTime"`
	AverageOpportunitiesFound float64       `json:"averageOpportunitiesFound"`
	LastExecuted              time.Time     `json:"lastExecuted"`
}

// Filter selects playbooks in Search. Zero-valued fields do not
// constrain; all set fields must match (AND).
type Filter struct {
	Tags           []string
	Author         string
	TargetSite     string
	Complexity     string
	RequiresAuth   *bool
	MinSuccessRate float64 // percentage over live stats, not metadata
}

// Manager is the registry of playbook definitions plus their execution
// history. Safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	defs  map[string]*schema.Playbook
	stats map[string]*Stats

	defStore  *store.DefinitionStore
	histStore *store.HistoryStore
	log       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New loads all stored definitions and rebuilds statistics from history.
func New(fs afero.Fs, dir string, opts ...Option) (*Manager, error) {
	defStore, err := store.NewDefinitionStore(fs, filepath.Join(dir, "playbooks"))
	if err != nil {
		return nil, err
	}
	histStore, err := store.NewHistoryStore(fs, filepath.Join(dir, "history"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		defs:      make(map[string]*schema.Playbook),
		stats:     make(map[string]*Stats),
		defStore:  defStore,
		histStore: histStore,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	defs, err := defStore.List()
	if err != nil {
		return nil, err
	}
	for _, pb := range defs {
		m.defs[pb.ID] = pb
	}
	if err := m.recomputeStatsLocked(); err != nil {
		return nil, err
	}

	m.log.Info("manager ready", "playbooks", len(m.defs))
	return m, nil
}

// Validate runs the full semantic+domain validation on a definition.
func (m *Manager) Validate(pb *schema.Playbook) schema.ValidationResult {
	return schema.Summarize(schema.Validate(pb))
}

// Create validates and stores a new definition. An invalid definition
// is rejected before any storage mutation.
func (m *Manager) Create(pb *schema.Playbook) error {
	res := m.Validate(pb)
	if !res.Valid {
		return &ValidationFailedError{ID: pb.ID, Result: res}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.defs[pb.ID]; ok {
		return fmt.Errorf("playbook %q: %w", pb.ID, ErrExists)
	}
	if err := m.defStore.Save(pb); err != nil {
		return err
	}
	m.defs[pb.ID] = pb
	m.log.Info("playbook created", "playbook", pb.ID, "version", pb.Version)
	return nil
}

// Update validates and replaces an existing definition.
func (m *Manager) Update(pb *schema.Playbook) error {
	res := m.Validate(pb)
	if !res.Valid {
		return &ValidationFailedError{ID: pb.ID, Result: res}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.defs[pb.ID]; !ok {
		return fmt.Errorf("playbook %q: %w", pb.ID, ErrNotFound)
	}
	if err := m.defStore.Save(pb); err != nil {
		return err
	}
	m.defs[pb.ID] = pb
	m.log.Info("playbook updated", "playbook", pb.ID, "version", pb.Version)
	return nil
}

// Delete removes a definition. History entries are kept; stats for the
// removed id are dropped from the registry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.defs[id]; !ok {
		return fmt.Errorf("playbook %q: %w", id, ErrNotFound)
	}
	if err := m.defStore.Delete(id); err != nil {
		// The registry entry still goes; the orphan file is harmless and
		// gets overwritten on a future create with the same id.
		m.log.Warn("delete playbook file", "playbook", id, "error", err)
	}
	delete(m.defs, id)
	delete(m.stats, id)
	m.log.Info("playbook deleted", "playbook", id)
	return nil
}

// Get returns one definition by id.
func (m *Manager) Get(id string) (*schema.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pb, ok := m.defs[id]
	if !ok {
		return nil, fmt.Errorf("playbook %q: %w", id, ErrNotFound)
	}
	return pb, nil
}

// List returns all definitions sorted by id.
func (m *Manager) List() []*schema.Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.Playbook, 0, len(m.defs))
	for _, pb := range m.defs {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search returns the definitions matching every set filter field.
// MinSuccessRate compares against live statistics; playbooks with no
// recorded executions never match a non-zero threshold.
func (m *Manager) Search(f Filter) []*schema.Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Playbook
	for _, pb := range m.defs {
		if !m.matchesLocked(pb, f) {
			continue
		}
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) matchesLocked(pb *schema.Playbook, f Filter) bool {
	for _, want := range f.Tags {
		found := false
		for _, tag := range pb.Tags {
			if strings.EqualFold(tag, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Author != "" && !strings.EqualFold(pb.Author, f.Author) {
		return false
	}
	if f.TargetSite != "" && !strings.Contains(strings.ToLower(pb.Metadata.TargetSite), strings.ToLower(f.TargetSite)) {
		return false
	}
	if f.Complexity != "" && pb.Metadata.Complexity != f.Complexity {
		return false
	}
	if f.RequiresAuth != nil && pb.Metadata.RequiresAuth != *f.RequiresAuth {
		return false
	}
	if f.MinSuccessRate > 0 {
		st, ok := m.stats[pb.ID]
		if !ok || st.TotalExecutions == 0 || st.SuccessRate < f.MinSuccessRate {
			return false
		}
	}
	return true
}

// Execute runs a stored playbook against the given browser session and
// records the outcome. Failed runs are recorded in history and stats
// exactly like successful ones.
func (m *Manager) Execute(ctx context.Context, id string, session browser.Session, overrides map[string]any, opts ...runtime.Option) (*runtime.Result, error) {
	pb, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	// The definition's log level applies unless the caller passed an
	// explicit logger; later options win inside runtime.New.
	if lvl := pb.ErrorHandling.LogLevel; lvl != "" {
		opts = append([]runtime.Option{runtime.WithLogger(logging.New(lvl))}, opts...)
	}

	eng := runtime.New(pb, session, opts...)
	result := eng.Run(ctx, overrides)

	entry := &store.HistoryEntry{
		ID:                 store.NewHistoryID(),
		PlaybookID:         pb.ID,
		ExecutedAt:         time.Now().UTC(),
		Success:            result.Success,
		OpportunitiesFound: len(result.Opportunities),
		ExecutionTime:      result.ExecutionTime.Milliseconds(),
		Errors:             result.Errors,
		Warnings:           result.Warnings,
		Variables:          overrides,
	}
	if err := m.histStore.Append(entry); err != nil {
		m.log.Warn("record history", "playbook", pb.ID, "error", err)
	}

	m.mu.Lock()
	m.applyEntryLocked(entry)
	m.mu.Unlock()

	return result, nil
}

// History returns the execution records for one playbook, oldest first.
func (m *Manager) History(id string) ([]*store.HistoryEntry, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	return m.histStore.ListByPlaybook(id)
}

// Stats returns a copy of the live statistics for one playbook, or nil
// when it has never executed.
func (m *Manager) Stats(id string) *Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stats[id]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// RecomputeStats rebuilds all statistics from the stored history.
func (m *Manager) RecomputeStats() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputeStatsLocked()
}

func (m *Manager) recomputeStatsLocked() error {
	entries, err := m.histStore.List()
	if err != nil {
		return err
	}
	m.stats = make(map[string]*Stats)
	for _, entry := range entries {
		m.applyEntryLocked(entry)
	}
	return nil
}

// applyEntryLocked folds one history entry into the incremental stats.
func (m *Manager) applyEntryLocked(entry *store.HistoryEntry) {
	st, ok := m.stats[entry.PlaybookID]
	if !ok {
		st = &Stats{}
		m.stats[entry.PlaybookID] = st
	}

	prev := float64(st.TotalExecutions)
	st.TotalExecutions++
	if entry.Success {
		st.SuccessfulExecutions++
	} else {
		st.FailedExecutions++
	}
	st.SuccessRate = float64(st.SuccessfulExecutions) / float64(st.TotalExecutions) * 100

	elapsed := time.Duration(entry.ExecutionTime) * time.Millisecond
	st.AverageExecutionTime = time.Duration(
		(float64(st.AverageExecutionTime)*prev + float64(elapsed)) / float64(st.TotalExecutions))
	st.AverageOpportunitiesFound =
		(st.AverageOpportunitiesFound*prev + float64(entry.OpportunitiesFound)) / float64(st.TotalExecutions)

	if entry.ExecutedAt.After(st.LastExecuted) {
		st.LastExecuted = entry.ExecutedAt
	}
}

// Instantiate clones a stored definition under a new id with extra
// variable defaults merged in. The clone is validated and stored as a
// regular playbook.
func (m *Manager) Instantiate(templateID, newID, newName string, variables map[string]any) (*schema.Playbook, error) {
	src, err := m.Get(templateID)
	if err != nil {
		return nil, err
	}

	clone := *src
	clone.ID = newID
	if newName != "" {
		clone.Name = newName
	}
	clone.Variables = make(map[string]any, len(src.Variables)+len(variables))
	for k, v := range src.Variables {
		clone.Variables[k] = v
	}
	for k, v := range variables {
		clone.Variables[k] = v
	}

	if err := m.Create(&clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// Export writes a stored definition to a file. The extension picks the
// format: .yaml/.yml for YAML, anything else JSON.
func (m *Manager) Export(id, path string) error {
	pb, err := m.Get(id)
	if err != nil {
		return err
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(pb)
	default:
		data, err = json.MarshalIndent(pb, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode playbook %q: %w", id, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Import loads a definition file and creates it, running the same
// validation gate as Create.
func (m *Manager) Import(path string) (*schema.Playbook, error) {
	pb, errs := schema.ValidateFile(path)
	if res := schema.Summarize(errs); !res.Valid {
		id := ""
		if pb != nil {
			id = pb.ID
		}
		return nil, &ValidationFailedError{ID: id, Result: res}
	}
	if err := m.Create(pb); err != nil {
		return nil, err
	}
	return pb, nil
}
