package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"slidegen/internal/project"
	"slidegen/internal/task"
)

const interruptedByRestart = "interrupted by restart"

// Recover runs once at startup. Tasks left unfinished by a previous process
// have their remaining units failed as retryable, and projects stuck in a
// generating state are settled.
func (s *Service) Recover(ctx context.Context) error {
	tasks, err := s.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished tasks: %w", err)
	}
	for _, t := range tasks {
		if s.Running(t.ID) {
			continue
		}
		interrupted, err := s.store.InterruptTask(ctx, t.ID, interruptedByRestart)
		if err != nil {
			return fmt.Errorf("interrupt task %s: %w", t.ID, err)
		}
		if err := s.settle(ctx, interrupted); err != nil {
			return fmt.Errorf("settle task %s: %w", t.ID, err)
		}
		log.Warn().
			Str("task_id", t.ID).
			Str("project_id", t.ProjectID).
			Int("failed", interrupted.Failed).
			Int("total", interrupted.Total).
			Msg("recovered interrupted task")
	}

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if !p.Generating() {
			continue
		}
		if err := s.recoverProject(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// recoverProject handles a project whose task is finished or was never
// stored, e.g. after a crash between the two writes that start a stage.
func (s *Service) recoverProject(ctx context.Context, p *project.Project) error {
	t, err := s.store.GetTask(ctx, p.ActiveTaskID)
	switch {
	case err == nil && t.Done():
		return s.settle(ctx, t)
	case err == nil:
		return nil
	case !errors.Is(err, task.ErrTaskNotFound):
		return fmt.Errorf("load task %s: %w", p.ActiveTaskID, err)
	}

	prev := project.StatusOutlineGenerated
	if p.Status == project.StatusGeneratingImages {
		prev = project.StatusDescriptionsGenerated
	}
	_, err = s.store.MutateProject(ctx, p.ID, func(cur *project.Project) error {
		if !cur.Generating() {
			return nil
		}
		cur.Status = prev
		cur.ActiveTaskID = ""
		for i := range cur.Pages {
			if cur.Pages[i].Status == project.PageGenerating {
				cur.Pages[i].Status = pageStatusWithoutImage(&cur.Pages[i])
			}
		}
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset project %s: %w", p.ID, err)
	}
	log.Warn().Str("project_id", p.ID).Msg("reset project whose task was lost")
	return nil
}
