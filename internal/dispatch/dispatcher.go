// Package dispatch runs the units of a task on a bounded worker pool and
// writes every outcome through the store as soon as it lands.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"slidegen/internal/task"
)

const defaultCallTimeout = 120 * time.Second

// UnitStore is the slice of the store the dispatcher writes through.
type UnitStore interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	StartTask(ctx context.Context, id string) (*task.Task, error)
	BeginUnit(ctx context.Context, taskID, unitID string) (*task.Unit, error)
	SaveUnitResult(ctx context.Context, taskID, unitID string, out task.Outcome) (*task.Task, error)
}

// WorkFunc renders one unit and returns its result reference.
type WorkFunc func(ctx context.Context, u task.Unit) (string, error)

// Observer is told about every outcome after it was saved.
type Observer func(ctx context.Context, u task.Unit, out task.Outcome)

type Options struct {
	// RequestsPerSecond throttles unit starts across all tasks; zero disables it.
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
}

type Dispatcher struct {
	store       UnitStore
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func New(store UnitStore, opts Options) *Dispatcher {
	d := &Dispatcher{store: store, callTimeout: opts.CallTimeout}
	if d.callTimeout <= 0 {
		d.callTimeout = defaultCallTimeout
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return d
}

// Run executes the PENDING units of the task (restricted to unitIDs when
// given) with at most maxWorkers concurrent calls and returns the task as
// stored after the last outcome was written. A failing unit never stops its
// siblings.
func (d *Dispatcher) Run(ctx context.Context, taskID string, unitIDs []string, maxWorkers int, work WorkFunc, observe Observer) (*task.Task, error) {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	units := pendingUnits(t, unitIDs)
	if len(units) == 0 {
		return t, nil
	}
	if _, err := d.store.StartTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	workers := task.ClampWorkers(maxWorkers, t.MaxWorkers)
	log.Info().
		Str("task_id", taskID).
		Str("kind", string(t.Kind)).
		Int("units", len(units)).
		Int("workers", workers).
		Msg("dispatching units")

	var g errgroup.Group
	g.SetLimit(workers)
	for _, u := range units {
		unitID := u.ID
		g.Go(func() error {
			d.runUnit(ctx, taskID, unitID, work, observe)
			return nil
		})
	}
	_ = g.Wait()

	return d.store.GetTask(context.WithoutCancel(ctx), taskID)
}

func pendingUnits(t *task.Task, unitIDs []string) []task.Unit {
	var wanted map[string]struct{}
	if len(unitIDs) > 0 {
		wanted = make(map[string]struct{}, len(unitIDs))
		for _, id := range unitIDs {
			wanted[id] = struct{}{}
		}
	}
	out := make([]task.Unit, 0, len(t.Units))
	for _, u := range t.Units {
		if u.Status != task.UnitPending {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[u.ID]; !ok {
				continue
			}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (d *Dispatcher) runUnit(ctx context.Context, taskID, unitID string, work WorkFunc, observe Observer) {
	logger := log.With().Str("task_id", taskID).Str("unit_id", unitID).Logger()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			logger.Warn().Err(err).Msg("unit not started")
			return
		}
	}
	if ctx.Err() != nil {
		logger.Warn().Err(ctx.Err()).Msg("unit not started")
		return
	}

	u, err := d.store.BeginUnit(ctx, taskID, unitID)
	if err != nil {
		logger.Warn().Err(err).Msg("begin unit failed")
		return
	}

	out := d.invoke(ctx, *u, work)

	// the outcome is written even if the run was abandoned meanwhile
	saveCtx := context.WithoutCancel(ctx)
	t, err := d.store.SaveUnitResult(saveCtx, taskID, unitID, out)
	if err != nil {
		logger.Error().Err(err).Msg("save unit result failed")
		return
	}
	evt := logger.Debug()
	if out.Failed() {
		evt = logger.Warn().Str("error", out.Err).Bool("retryable", out.Retryable)
	}
	evt.Int("ordinal", u.Ordinal).
		Int("attempt", u.AttemptCount).
		Int("completed", t.Completed).
		Int("failed", t.Failed).
		Int("total", t.Total).
		Msg("unit finished")

	if observe != nil {
		observe(saveCtx, *u, out)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, u task.Unit, work WorkFunc) (out task.Outcome) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out = task.Outcome{Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	result, err := work(callCtx, u)
	if err != nil {
		return task.Outcome{Err: errorMessage(err), Retryable: Retryable(err)}
	}
	if result == "" {
		return task.Outcome{Err: "empty result"}
	}
	return task.Outcome{Result: result}
}

// errorMessage never returns an empty string: an empty error text would
// read as success on the unit.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("unknown error (%T)", err)
}

// Retryable classifies a unit error. Errors that carry their own
// classification win; timeouts and network failures are transient; anything
// else is permanent.
func Retryable(err error) bool {
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
