// Package store persists projects, tasks and generation units.
//
// Implementations must allow distinct units of one task to be written
// concurrently and must bump task counters once per terminal transition
// instead of recounting units.
package store

import (
	"context"

	"slidegen/internal/project"
	"slidegen/internal/task"
)

type ProjectStore interface {
	CreateProject(ctx context.Context, p *project.Project) error
	GetProject(ctx context.Context, id string) (*project.Project, error)
	ListProjects(ctx context.Context) ([]*project.Project, error)
	// MutateProject applies fn to the current project under the store's
	// write lock. An error from fn discards the change.
	MutateProject(ctx context.Context, id string, fn func(p *project.Project) error) (*project.Project, error)
	// DeleteProject removes the project with its pages, tasks and units.
	DeleteProject(ctx context.Context, id string) error
}

type TaskStore interface {
	// CreateTask persists the task together with all of its units.
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	StartTask(ctx context.Context, id string) (*task.Task, error)
	BeginUnit(ctx context.Context, taskID, unitID string) (*task.Unit, error)
	// SaveUnitResult is idempotent: saving the outcome a unit already holds
	// changes nothing.
	SaveUnitResult(ctx context.Context, taskID, unitID string, out task.Outcome) (*task.Task, error)
	RequeueUnits(ctx context.Context, taskID string, unitIDs []string, maxAttempts int) ([]string, error)
	InterruptTask(ctx context.Context, taskID, reason string) (*task.Task, error)
	ListUnfinishedTasks(ctx context.Context) ([]*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type Store interface {
	ProjectStore
	TaskStore
	Close()
}
