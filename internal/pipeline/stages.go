package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"slidegen/internal/project"
	"slidegen/internal/task"
)

type ImagesRequest struct {
	MaxWorkers int
	// UseTemplate sends the project template image as the style reference.
	UseTemplate bool
	// ExtraRequirements replaces the project's requirements when set.
	ExtraRequirements *string
}

// StartDescriptions creates a description task with one unit per page and
// runs it in the background. The returned task is still PENDING.
func (s *Service) StartDescriptions(ctx context.Context, projectID string, maxWorkers int) (*task.Task, error) {
	return s.startStage(ctx, projectID, func(p *project.Project) (*task.Task, error) {
		if len(p.Pages) == 0 {
			return nil, ErrNoOutline
		}
		outlineJSON, err := json.Marshal(p.Outline)
		if err != nil {
			return nil, fmt.Errorf("encode outline: %w", err)
		}
		units := make([]task.Unit, 0, len(p.Pages))
		for _, pg := range p.Pages {
			units = append(units, task.Unit{
				PageID:  pg.ID,
				Ordinal: pg.Ordinal,
				Phase:   task.PhaseDescription,
				Input:   descriptionInput(p, pg, string(outlineJSON)),
			})
		}
		t, err := task.New(p.ID, task.KindDescriptions, task.ClampWorkers(maxWorkers, s.opts.MaxDescriptionWorkers), units, s.now())
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		p.Status = project.StatusGeneratingDescriptions
		return t, nil
	})
}

// StartImages creates an image task for every page that has a description
// and runs it in the background.
func (s *Service) StartImages(ctx context.Context, projectID string, req ImagesRequest) (*task.Task, error) {
	return s.startStage(ctx, projectID, func(p *project.Project) (*task.Task, error) {
		if req.ExtraRequirements != nil {
			p.ExtraRequirements = *req.ExtraRequirements
		}
		units := make([]task.Unit, 0, len(p.Pages))
		for _, pg := range p.Pages {
			if pg.Description == "" {
				continue
			}
			units = append(units, task.Unit{
				PageID:  pg.ID,
				Ordinal: pg.Ordinal,
				Phase:   task.PhaseImage,
				Input:   imageInput(p, pg, req.UseTemplate),
			})
		}
		if len(units) == 0 {
			return nil, ErrNoDescriptions
		}
		t, err := task.New(p.ID, task.KindImages, task.ClampWorkers(req.MaxWorkers, s.opts.MaxImageWorkers), units, s.now())
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		for _, u := range t.Units {
			if pg, ok := p.Page(u.PageID); ok {
				pg.Status = project.PageGenerating
				pg.Error = ""
			}
		}
		p.Status = project.StatusGeneratingImages
		return t, nil
	})
}

// startStage builds the task from the project and flips the project into its
// generating state in one check-and-set, so two stages cannot start at once.
func (s *Service) startStage(ctx context.Context, projectID string, build func(p *project.Project) (*task.Task, error)) (*task.Task, error) {
	var (
		t          *task.Task
		prevStatus project.Status
	)
	now := s.now()
	_, err := s.store.MutateProject(ctx, projectID, func(p *project.Project) error {
		if p.Generating() {
			return ErrProjectBusy
		}
		prevStatus = p.Status
		built, err := build(p)
		if err != nil {
			return err
		}
		t = built
		p.ActiveTaskID = t.ID
		p.ErrorMessage = ""
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		s.rollbackStage(ctx, projectID, t, prevStatus)
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.claim(t.ID)
	s.launch(t, nil)

	log.Info().
		Str("project_id", projectID).
		Str("task_id", t.ID).
		Str("kind", string(t.Kind)).
		Int("units", t.Total).
		Int("workers", t.MaxWorkers).
		Msg("stage started")
	return t, nil
}

func (s *Service) rollbackStage(ctx context.Context, projectID string, t *task.Task, prev project.Status) {
	_, err := s.store.MutateProject(context.WithoutCancel(ctx), projectID, func(p *project.Project) error {
		if p.ActiveTaskID != t.ID {
			return nil
		}
		p.Status = prev
		p.ActiveTaskID = ""
		for _, u := range t.Units {
			if pg, ok := p.Page(u.PageID); ok && pg.Status == project.PageGenerating {
				pg.Status = pageStatusWithoutImage(pg)
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Str("project_id", projectID).Err(err).Msg("rollback stage failed")
	}
}

// GetTask returns the task as stored. It never waits for a run.
func (s *Service) GetTask(ctx context.Context, projectID, taskID string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if t.ProjectID != projectID {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}

// RetryTask requeues failed units of a finished task and runs them again.
// With no ids every retryable failure still under the attempt cap is
// requeued.
func (s *Service) RetryTask(ctx context.Context, projectID, taskID string, unitIDs []string) (*task.Task, error) {
	t, err := s.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if !s.claim(taskID) {
		return nil, task.ErrTaskRunning
	}
	launched := false
	defer func() {
		if !launched {
			s.release(taskID)
		}
	}()
	if !t.Done() {
		return nil, task.ErrTaskRunning
	}

	stage := project.StatusGeneratingDescriptions
	if t.Kind == task.KindImages {
		stage = project.StatusGeneratingImages
	}
	_, err = s.store.MutateProject(ctx, projectID, func(p *project.Project) error {
		if p.Generating() {
			return ErrProjectBusy
		}
		if p.ActiveTaskID != taskID {
			return ErrStaleTask
		}
		p.Status = stage
		p.ErrorMessage = ""
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	ids, err := s.store.RequeueUnits(ctx, taskID, unitIDs, s.opts.MaxAttempts)
	if err != nil {
		if settleErr := s.settle(context.WithoutCancel(ctx), t); settleErr != nil {
			log.Error().Str("task_id", taskID).Err(settleErr).Msg("restore project after refused retry failed")
		}
		return nil, err //nolint:wrapcheck
	}
	if t.Kind == task.KindImages {
		s.markGenerating(ctx, t, ids)
	}

	requeued, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	launched = true
	s.launch(requeued, ids)
	log.Info().Str("project_id", projectID).Str("task_id", taskID).Int("units", len(ids)).Msg("retry started")
	return requeued, nil
}

func (s *Service) markGenerating(ctx context.Context, t *task.Task, unitIDs []string) {
	_, err := s.store.MutateProject(ctx, t.ProjectID, func(p *project.Project) error {
		for _, id := range unitIDs {
			u, ok := t.Unit(id)
			if !ok {
				continue
			}
			if pg, ok := p.Page(u.PageID); ok {
				pg.Status = project.PageGenerating
				pg.Error = ""
			}
		}
		return nil
	})
	if err != nil {
		log.Warn().Str("task_id", t.ID).Err(err).Msg("mark pages generating failed")
	}
}

func (s *Service) describeUnit(ctx context.Context, u task.Unit) (string, error) {
	return s.gen.GenerateDescription(ctx, u.Input, u.Ordinal) //nolint:wrapcheck
}

func (s *Service) renderUnit(projectID string) func(ctx context.Context, u task.Unit) (string, error) {
	return func(ctx context.Context, u task.Unit) (string, error) {
		data, err := s.gen.GenerateImage(ctx, u.Input)
		if err != nil {
			return "", err //nolint:wrapcheck
		}
		return s.slides.SaveSlide(projectID, u.PageID, data) //nolint:wrapcheck
	}
}

// applyUnit copies a unit outcome onto its page as soon as it is saved, so
// a polling client sees pages fill in while the task runs.
func (s *Service) applyUnit(projectID string) func(ctx context.Context, u task.Unit, out task.Outcome) {
	return func(ctx context.Context, u task.Unit, out task.Outcome) {
		_, err := s.store.MutateProject(ctx, projectID, func(p *project.Project) error {
			if p.ActiveTaskID != u.TaskID {
				return nil
			}
			applyToPage(p, u.Phase, u.PageID, out, s.now())
			return nil
		})
		if err != nil && !errors.Is(err, project.ErrProjectNotFound) {
			log.Warn().Str("task_id", u.TaskID).Str("page_id", u.PageID).Err(err).Msg("apply unit to page failed")
		}
	}
}

// settle moves the project out of its generating state once the task is
// finished: FAILED on total loss, the next stage otherwise. Pages are
// reconciled from the units so nothing is left GENERATING.
func (s *Service) settle(ctx context.Context, t *task.Task) error {
	_, err := s.store.MutateProject(ctx, t.ProjectID, func(p *project.Project) error {
		if p.ActiveTaskID != t.ID {
			return nil
		}
		now := s.now()
		for _, u := range t.Units {
			if u.Terminal() {
				applyToPage(p, u.Phase, u.PageID, task.Outcome{Result: u.Result, Err: u.Error}, now)
			}
		}
		switch {
		case t.Status == task.StatusFailed:
			p.Status = project.StatusFailed
			p.ErrorMessage = t.ErrorMessage
		case t.Kind == task.KindImages:
			p.Status = project.StatusCompleted
			p.ErrorMessage = ""
		default:
			p.Status = project.StatusDescriptionsGenerated
			p.ErrorMessage = ""
		}
		p.UpdatedAt = now
		return nil
	})
	if errors.Is(err, project.ErrProjectNotFound) {
		return nil
	}
	return err //nolint:wrapcheck
}

func applyToPage(p *project.Project, phase task.Phase, pageID string, out task.Outcome, now time.Time) {
	pg, ok := p.Page(pageID)
	if !ok {
		return
	}
	switch {
	case out.Failed():
		pg.Status = project.PageFailed
		pg.Error = out.Err
	case phase == task.PhaseImage:
		pg.ImagePath = out.Result
		pg.Status = project.PageCompleted
		pg.Error = ""
	default:
		pg.Description = out.Result
		pg.Status = project.PageDescriptionGenerated
		pg.Error = ""
	}
	pg.UpdatedAt = now
	p.UpdatedAt = now
}

func pageStatusWithoutImage(pg *project.Page) project.PageStatus {
	switch {
	case pg.ImagePath != "":
		return project.PageCompleted
	case pg.Description != "":
		return project.PageDescriptionGenerated
	default:
		return project.PageDraft
	}
}

func descriptionInput(p *project.Project, pg project.Page, outlineJSON string) task.Input {
	return task.Input{
		IdeaPrompt:  sourceText(p.CreationType, p.IdeaPrompt, p.OutlineText, p.DescriptionText),
		OutlineJSON: outlineJSON,
		Title:       pg.Outline.Title,
		Points:      append([]string(nil), pg.Outline.Points...),
		Part:        pg.Outline.Part,
	}
}

func imageInput(p *project.Project, pg project.Page, useTemplate bool) task.Input {
	in := task.Input{
		OutlineText:       project.OutlineText(p.Outline),
		Title:             pg.Outline.Title,
		Part:              pg.Outline.Part,
		Section:           pg.Outline.Section(),
		Description:       pg.Description,
		MaterialImages:    mergeURLs(append([]string(nil), p.MaterialImages...), project.ExtractImageURLs(pg.Description)),
		ExtraRequirements: p.ExtraRequirements,
	}
	if useTemplate {
		in.TemplateImage = p.TemplateImage
	}
	return in
}
