package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "slidegen/internal/file"
	"slidegen/internal/project"
	"slidegen/internal/task"
)

// FileStore keeps state in memory and snapshots every change to JSON files
// under dataDir: projects/<id>/project.json and tasks/<id>/status.json.
type FileStore struct {
	mu       sync.Mutex
	dataDir  string
	projects map[string]*project.Project
	tasks    map[string]*task.Task
	now      func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads any snapshots found under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	s := &FileStore{
		dataDir:  dataDir,
		projects: make(map[string]*project.Project),
		tasks:    make(map[string]*task.Task),
		now:      time.Now,
	}
	if err := fileutil.EnsureDir(dataDir); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Close() {}

func (s *FileStore) projectPath(id string) string {
	return filepath.Join(s.dataDir, "projects", id, "project.json")
}

func (s *FileStore) taskPath(id string) string {
	return filepath.Join(s.dataDir, "tasks", id, "status.json")
}

func (s *FileStore) load() error {
	projectIDs, err := listDirs(filepath.Join(s.dataDir, "projects"))
	if err != nil {
		return err
	}
	for _, id := range projectIDs {
		var p project.Project
		if err := fileutil.ReadJSON(s.projectPath(id), &p); err != nil {
			log.Warn().Str("project_id", id).Err(err).Msg("skip unreadable project snapshot")
			continue
		}
		s.projects[p.ID] = &p
	}

	taskIDs, err := listDirs(filepath.Join(s.dataDir, "tasks"))
	if err != nil {
		return err
	}
	for _, id := range taskIDs {
		var t task.Task
		if err := fileutil.ReadJSON(s.taskPath(id), &t); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("skip unreadable task snapshot")
			continue
		}
		if err := t.Validate(); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("task snapshot counters inconsistent")
		}
		s.tasks[t.ID] = &t
	}
	return nil
}

func listDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *FileStore) CreateProject(_ context.Context, p *project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	cp := p.Clone()
	if err := fileutil.WriteJSONAtomic(s.projectPath(cp.ID), cp); err != nil {
		return fmt.Errorf("persist project: %w", err)
	}
	s.projects[cp.ID] = cp
	return nil
}

func (s *FileStore) GetProject(_ context.Context, id string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, project.ErrProjectNotFound
	}
	return p.Clone(), nil
}

func (s *FileStore) ListProjects(_ context.Context) ([]*project.Project, error) {
	s.mu.Lock()
	out := make([]*project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) MutateProject(_ context.Context, id string, fn func(p *project.Project) error) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.projects[id]
	if !ok {
		return nil, project.ErrProjectNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = s.now()
	if err := fileutil.WriteJSONAtomic(s.projectPath(id), next); err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}
	s.projects[id] = next
	return next.Clone(), nil
}

func (s *FileStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return project.ErrProjectNotFound
	}
	for taskID, t := range s.tasks {
		if t.ProjectID != id {
			continue
		}
		if err := os.RemoveAll(filepath.Dir(s.taskPath(taskID))); err != nil {
			return fmt.Errorf("remove task %s: %w", taskID, err)
		}
		delete(s.tasks, taskID)
	}
	if err := os.RemoveAll(filepath.Dir(s.projectPath(id))); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	delete(s.projects, id)
	return nil
}

func (s *FileStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := t.Clone()
	if err := fileutil.WriteJSONAtomic(s.taskPath(cp.ID), cp); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	s.tasks[cp.ID] = cp
	return nil
}

func (s *FileStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// mutateTask applies fn to a copy and swaps it in only after the snapshot
// reached disk.
func (s *FileStore) mutateTask(id string, fn func(t *task.Task) (bool, error)) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	if err := fileutil.WriteJSONAtomic(s.taskPath(id), next); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *FileStore) StartTask(_ context.Context, id string) (*task.Task, error) {
	return s.mutateTask(id, func(t *task.Task) (bool, error) {
		if t.Done() || t.Status == task.StatusProcessing {
			return false, nil
		}
		t.Start(s.now())
		return true, nil
	})
}

func (s *FileStore) BeginUnit(_ context.Context, taskID, unitID string) (*task.Unit, error) {
	var began task.Unit
	_, err := s.mutateTask(taskID, func(t *task.Task) (bool, error) {
		u, err := t.BeginUnit(unitID, s.now())
		if err != nil {
			return false, err
		}
		began = *u
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &began, nil
}

func (s *FileStore) SaveUnitResult(_ context.Context, taskID, unitID string, out task.Outcome) (*task.Task, error) {
	return s.mutateTask(taskID, func(t *task.Task) (bool, error) {
		return t.ApplyOutcome(unitID, out, s.now())
	})
}

func (s *FileStore) RequeueUnits(_ context.Context, taskID string, unitIDs []string, maxAttempts int) ([]string, error) {
	var ids []string
	_, err := s.mutateTask(taskID, func(t *task.Task) (bool, error) {
		var err error
		ids, err = t.Requeue(unitIDs, maxAttempts, s.now())
		return err == nil, err
	})
	return ids, err
}

func (s *FileStore) InterruptTask(_ context.Context, taskID, reason string) (*task.Task, error) {
	return s.mutateTask(taskID, func(t *task.Task) (bool, error) {
		return t.Interrupt(reason, s.now()) > 0, nil
	})
}

func (s *FileStore) ListUnfinishedTasks(_ context.Context) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if !t.Done() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return task.ErrTaskNotFound
	}
	if err := os.RemoveAll(filepath.Dir(s.taskPath(id))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove task: %w", err)
	}
	delete(s.tasks, id)
	return nil
}
