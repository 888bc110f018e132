// Package pipeline drives a project through outline, description and image
// generation. Multi-page stages run as tasks on the dispatcher in the
// background; single-page operations run synchronously.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slidegen/internal/dispatch"
	"slidegen/internal/media"
	"slidegen/internal/project"
	"slidegen/internal/store"
	"slidegen/internal/task"
)

const (
	defaultDescriptionWorkers = 5
	defaultImageWorkers       = 8
	defaultCallTimeout        = 120 * time.Second
	defaultExportTimeout      = 20 * time.Second
)

// Generator is the model-facing collaborator.
type Generator interface {
	GenerateOutline(ctx context.Context, idea string) ([]project.OutlineItem, error)
	ParseOutlineText(ctx context.Context, text string) ([]project.OutlineItem, error)
	DescriptionToOutline(ctx context.Context, text string) ([]project.OutlineItem, error)
	SplitDescriptions(ctx context.Context, text string, outline []project.OutlineItem) ([]string, error)
	GenerateDescription(ctx context.Context, in task.Input, ordinal int) (string, error)
	GenerateImage(ctx context.Context, in task.Input) ([]byte, error)
	EditImage(ctx context.Context, currentImage, instruction, description string, materials []string) ([]byte, error)
}

type Options struct {
	MaxDescriptionWorkers int
	MaxImageWorkers       int
	// MaxAttempts caps how often a unit may run across retries.
	MaxAttempts int
	// CallTimeout bounds single-page operations.
	CallTimeout       time.Duration
	ExportHTTPTimeout time.Duration
}

type Service struct {
	store      store.Store
	gen        Generator
	slides     *media.Store
	dispatcher *dispatch.Dispatcher
	opts       Options
	now        func() time.Time

	mu        sync.Mutex
	running   map[string]struct{}
	baseCtx   context.Context
	workersWG sync.WaitGroup
}

func New(st store.Store, gen Generator, slides *media.Store, d *dispatch.Dispatcher, opts Options) *Service {
	if opts.MaxDescriptionWorkers <= 0 {
		opts.MaxDescriptionWorkers = defaultDescriptionWorkers
	}
	if opts.MaxImageWorkers <= 0 {
		opts.MaxImageWorkers = defaultImageWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = task.DefaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ExportHTTPTimeout <= 0 {
		opts.ExportHTTPTimeout = defaultExportTimeout
	}
	return &Service{
		store:      st,
		gen:        gen,
		slides:     slides,
		dispatcher: d,
		opts:       opts,
		now:        time.Now,
		running:    make(map[string]struct{}),
		baseCtx:    context.Background(),
	}
}

// SetBaseContext sets the context background runs derive from. Intended to
// be set at process startup and cancelled during shutdown.
func (s *Service) SetBaseContext(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// WaitAll blocks until all background runs finish or the context is done.
// Returns true if all runs finished, false if timed out.
func (s *Service) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// claim marks the task as having a live run. It fails if one already exists.
func (s *Service) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[taskID]; ok {
		return false
	}
	s.running[taskID] = struct{}{}
	return true
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// Running reports whether a background run is live for the task.
func (s *Service) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// launch runs the task in the background. The caller must hold the claim,
// which is released when the run is over.
func (s *Service) launch(t *task.Task, unitIDs []string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	var work dispatch.WorkFunc = s.describeUnit
	workers := s.opts.MaxDescriptionWorkers
	if t.Kind == task.KindImages {
		work, workers = s.renderUnit(t.ProjectID), s.opts.MaxImageWorkers
	}
	if t.MaxWorkers > 0 {
		workers = t.MaxWorkers
	}

	s.workersWG.Add(1)
	go func() {
		defer s.workersWG.Done()
		defer s.release(t.ID)

		final, err := s.dispatcher.Run(ctx, t.ID, unitIDs, workers, work, s.applyUnit(t.ProjectID))
		if err != nil {
			log.Error().Str("task_id", t.ID).Str("project_id", t.ProjectID).Err(err).Msg("task run failed")
			final, err = s.store.GetTask(context.WithoutCancel(ctx), t.ID)
			if err != nil {
				return
			}
		}
		s.finishRun(context.WithoutCancel(ctx), final, ctx.Err() != nil)
	}()
}

// finishRun settles the project once a run returns. Units a cancelled run
// never started are failed as retryable so the task can finish.
func (s *Service) finishRun(ctx context.Context, t *task.Task, cancelled bool) {
	if !t.Done() {
		if !cancelled {
			log.Warn().Str("task_id", t.ID).Str("status", string(t.Status)).Msg("run returned before the task finished")
		}
		interrupted, err := s.store.InterruptTask(ctx, t.ID, "interrupted before the unit could run")
		if err != nil {
			log.Error().Str("task_id", t.ID).Err(err).Msg("interrupt task failed")
			return
		}
		t = interrupted
	}
	if err := s.settle(ctx, t); err != nil {
		log.Error().Str("task_id", t.ID).Str("project_id", t.ProjectID).Err(err).Msg("settle project failed")
		return
	}
	evt := log.Info()
	if t.Status == task.StatusFailed {
		evt = log.Warn().Str("error", t.ErrorMessage)
	}
	evt.Str("task_id", t.ID).
		Str("project_id", t.ProjectID).
		Str("kind", string(t.Kind)).
		Int("completed", t.Completed).
		Int("failed", t.Failed).
		Int("total", t.Total).
		Msg("task finished")
}
