package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"holotask/internal/domain"
)

// DefaultResultsPerTask bounds the history kept per task by FileStore.
const DefaultResultsPerTask = 200

// FileStore keeps tasks and results in memory and snapshots them to a JSON
// file after every write. The background runner owns one of these.
//
// An empty path keeps everything in memory.
type FileStore struct {
	path       string
	maxResults int

	mu   sync.RWMutex
	data *fileData
}

type fileData struct {
	Tasks   map[string]*domain.ScheduledTask `json:"tasks"`
	Results map[string][]domain.TaskResult   `json:"results"`
}

// NewFileStore opens (or creates) the JSON store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:       path,
		maxResults: DefaultResultsPerTask,
		data: &fileData{
			Tasks:   make(map[string]*domain.ScheduledTask),
			Results: make(map[string][]domain.TaskResult),
		},
	}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to create store file: %w", err)
		}
	}
	return s, nil
}

// NewMemoryStore returns a FileStore that never touches disk.
func NewMemoryStore() *FileStore {
	s, _ := NewFileStore("")
	return s
}

func (s *FileStore) Put(_ context.Context, t *domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := t.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	prev, had := s.data.Tasks[c.ID]
	s.data.Tasks[c.ID] = c
	if err := s.save(); err != nil {
		s.restore(c.ID, prev, had)
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data.Tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *FileStore) List(_ context.Context, f Filter) ([]*domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ScheduledTask, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if an, bn := a.NextRunAt, b.NextRunAt; an != nil && bn != nil && !an.Equal(*bn) {
			return an.Before(*bn)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[id]
	if !ok {
		return false, nil
	}
	results := s.data.Results[id]
	delete(s.data.Tasks, id)
	delete(s.data.Results, id)
	if err := s.save(); err != nil {
		s.data.Tasks[id] = t
		s.data.Results[id] = results
		return false, err
	}
	return true, nil
}

func (s *FileStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[id]
	if !ok || t.Status != domain.StatusScheduled {
		return false, nil
	}
	c := t.Clone()
	c.Status = domain.StatusRunning
	c.StartedAt = &now
	c.UpdatedAt = now
	s.data.Tasks[id] = c
	if err := s.save(); err != nil {
		s.data.Tasks[id] = t
		return false, err
	}
	return true, nil
}

func (s *FileStore) RecordResult(_ context.Context, taskID string, r domain.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data.Tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.ID == "" {
		r.ID = domain.NewResultID()
	}
	r.TaskID = taskID

	prevResults := s.data.Results[taskID]
	results := s.trim(append(append([]domain.TaskResult(nil), prevResults...), r))
	c := t.Clone()
	applyResult(c, r)

	s.data.Tasks[taskID] = c
	s.data.Results[taskID] = results
	if err := s.save(); err != nil {
		s.data.Tasks[taskID] = t
		s.data.Results[taskID] = prevResults
		return err
	}
	return nil
}

func (s *FileStore) Resolve(_ context.Context, t *domain.ScheduledTask, r domain.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = domain.NewResultID()
	}
	r.TaskID = t.ID
	c := t.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	prev, had := s.data.Tasks[c.ID]
	prevResults := s.data.Results[c.ID]
	s.data.Tasks[c.ID] = c
	s.data.Results[c.ID] = s.trim(append(append([]domain.TaskResult(nil), prevResults...), r))
	if err := s.save(); err != nil {
		s.restore(c.ID, prev, had)
		s.restoreResults(c.ID, prevResults)
		return err
	}
	return nil
}

func (s *FileStore) AppendResults(_ context.Context, taskID string, rs []domain.TaskResult) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Tasks[taskID]; !ok {
		return 0, domain.ErrNotFound
	}
	prevResults := s.data.Results[taskID]
	seen := make(map[string]struct{}, len(prevResults))
	for _, r := range prevResults {
		seen[r.ID] = struct{}{}
	}
	merged := append([]domain.TaskResult(nil), prevResults...)
	added := 0
	for _, r := range rs {
		if _, dup := seen[r.ID]; dup || r.ID == "" {
			continue
		}
		seen[r.ID] = struct{}{}
		r.TaskID = taskID
		merged = append(merged, r)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OccurrenceEndedAt.Before(merged[j].OccurrenceEndedAt)
	})
	s.data.Results[taskID] = s.trim(merged)
	if err := s.save(); err != nil {
		s.restoreResults(taskID, prevResults)
		return 0, err
	}
	return added, nil
}

func (s *FileStore) Results(_ context.Context, taskID string, limit int) ([]domain.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := s.data.Results[taskID]
	out := make([]domain.TaskResult, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Close releases resources (no-op for the file store).
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) restore(id string, prev *domain.ScheduledTask, had bool) {
	if had {
		s.data.Tasks[id] = prev
	} else {
		delete(s.data.Tasks, id)
	}
}

func (s *FileStore) restoreResults(id string, prev []domain.TaskResult) {
	if prev == nil {
		delete(s.data.Results, id)
	} else {
		s.data.Results[id] = prev
	}
}

// trim keeps the newest maxResults entries.
func (s *FileStore) trim(results []domain.TaskResult) []domain.TaskResult {
	if len(results) > s.maxResults {
		return results[len(results)-s.maxResults:]
	}
	return results
}

func (s *FileStore) load() error {
	file, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(file) == 0 {
		return nil
	}
	if err := json.Unmarshal(file, s.data); err != nil {
		return err
	}
	if s.data.Tasks == nil {
		s.data.Tasks = make(map[string]*domain.ScheduledTask)
	}
	if s.data.Results == nil {
		s.data.Results = make(map[string][]domain.TaskResult)
	}
	return nil
}

// save writes the snapshot through a temp file and rename so a crash never
// leaves a half-written store behind.
func (s *FileStore) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
