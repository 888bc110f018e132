package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClampWorkers bounds a requested concurrency to 1..MaxWorkersCap,
// substituting fallback for non-positive requests.
func ClampWorkers(requested, fallback int) int {
	n := requested
	if n <= 0 {
		n = fallback
	}
	if n <= 0 {
		n = 1
	}
	if n > MaxWorkersCap {
		n = MaxWorkersCap
	}
	return n
}

// New builds a PENDING task owning the given units. Unit ids are assigned
// here and stay stable across retries.
func New(projectID string, kind Kind, maxWorkers int, units []Unit, now time.Time) (*Task, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	t := &Task{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Kind:       kind,
		Status:     StatusPending,
		Total:      len(units),
		MaxWorkers: ClampWorkers(maxWorkers, MaxWorkersCap),
		CreatedAt:  now,
		Units:      make([]Unit, 0, len(units)),
	}
	seen := make(map[int]struct{}, len(units))
	for _, u := range units {
		if _, dup := seen[u.Ordinal]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateOrdinal, u.Ordinal)
		}
		seen[u.Ordinal] = struct{}{}
		u.ID = uuid.NewString()
		u.TaskID = t.ID
		u.Status = UnitPending
		u.Result, u.Error, u.Retryable, u.AttemptCount = "", "", false, 0
		u.UpdatedAt = now
		t.Units = append(t.Units, u)
	}
	return t, nil
}

// Start marks the task PROCESSING. StartedAt keeps the first start.
func (t *Task) Start(now time.Time) {
	if t.Done() {
		return
	}
	t.Status = StatusProcessing
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
}

// BeginUnit moves a PENDING unit to IN_PROGRESS and counts the attempt.
func (t *Task) BeginUnit(unitID string, now time.Time) (*Unit, error) {
	u, ok := t.Unit(unitID)
	if !ok {
		return nil, ErrUnitNotFound
	}
	if u.Status != UnitPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnitNotPending, unitID, u.Status)
	}
	t.Start(now)
	u.Status = UnitInProgress
	u.AttemptCount++
	u.UpdatedAt = now
	return u, nil
}

// ApplyOutcome records the terminal result of an IN_PROGRESS unit and bumps
// the matching counter. Re-applying the outcome a unit already holds is a
// no-op and reports changed=false.
func (t *Task) ApplyOutcome(unitID string, out Outcome, now time.Time) (bool, error) {
	if !out.Valid() {
		return false, ErrEmptyOutcome
	}
	u, ok := t.Unit(unitID)
	if !ok {
		return false, ErrUnitNotFound
	}
	if u.Terminal() {
		if sameOutcome(u, out) {
			return false, nil
		}
		return false, ErrConflictingResult
	}
	if u.Status != UnitInProgress {
		return false, fmt.Errorf("%w: %s is %s", ErrUnitNotStarted, unitID, u.Status)
	}

	if out.Failed() {
		u.Status = UnitFailed
		u.Error = out.Err
		u.Retryable = out.Retryable
		u.Result = ""
		t.Failed++
	} else {
		u.Status = UnitCompleted
		u.Result = out.Result
		u.Error = ""
		u.Retryable = false
		t.Completed++
	}
	u.UpdatedAt = now

	if t.Completed+t.Failed == t.Total {
		t.finish(now)
	}
	return true, nil
}

func sameOutcome(u *Unit, out Outcome) bool {
	if out.Failed() {
		return u.Status == UnitFailed && u.Error == out.Err
	}
	return u.Status == UnitCompleted && u.Result == out.Result
}

func (t *Task) finish(now time.Time) {
	t.FinishedAt = &now
	t.Status, t.ErrorMessage, t.Warning = Summarize(t.Total, t.Failed, t.firstError())
}

// Summarize derives the terminal status of a drained task along with its
// error message (total loss) or warning (partial failure).
func Summarize(total, failed int, firstErr string) (status Status, errMsg, warning string) {
	if failed == total {
		errMsg = fmt.Sprintf("all %d units failed", total)
		if firstErr != "" {
			errMsg += ": " + firstErr
		}
		return StatusFailed, errMsg, ""
	}
	if failed > 0 {
		warning = fmt.Sprintf("%d of %d units failed", failed, total)
	}
	return StatusCompleted, "", warning
}

func (t *Task) firstError() string {
	best := -1
	msg := ""
	for _, u := range t.Units {
		if u.Status == UnitFailed && (best < 0 || u.Ordinal < best) {
			best = u.Ordinal
			msg = u.Error
		}
	}
	return msg
}

// Requeue moves FAILED units back to PENDING so a new run can pick them up.
// With no ids it selects every retryable failed unit that still has attempts
// left; explicit ids may name permanent failures but never exceed the cap.
// The whole request is rejected if any id is ineligible.
func (t *Task) Requeue(unitIDs []string, maxAttempts int, now time.Time) ([]string, error) {
	if !t.Done() {
		return nil, ErrTaskRunning
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var targets []*Unit
	if len(unitIDs) == 0 {
		for i := range t.Units {
			u := &t.Units[i]
			if u.Status == UnitFailed && u.Retryable && u.AttemptCount < maxAttempts {
				targets = append(targets, u)
			}
		}
	} else {
		seen := make(map[string]struct{}, len(unitIDs))
		for _, id := range unitIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			u, ok := t.Unit(id)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
			}
			if u.Status != UnitFailed {
				return nil, fmt.Errorf("%w: %s is %s", ErrUnitNotFailed, id, u.Status)
			}
			if u.AttemptCount >= maxAttempts {
				return nil, fmt.Errorf("%w: %s after %d attempts", ErrRetryLimit, id, u.AttemptCount)
			}
			targets = append(targets, u)
		}
	}
	if len(targets) == 0 {
		return nil, ErrNothingToRetry
	}

	ids := make([]string, 0, len(targets))
	for _, u := range targets {
		u.Status = UnitPending
		u.Error = ""
		u.Retryable = false
		u.UpdatedAt = now
		t.Failed--
		ids = append(ids, u.ID)
	}
	t.Status = StatusPending
	t.FinishedAt = nil
	t.ErrorMessage = ""
	t.Warning = ""
	return ids, nil
}

// Interrupt fails every unit left PENDING or IN_PROGRESS by a run that can no
// longer finish, e.g. after a restart. The failures are retryable.
func (t *Task) Interrupt(reason string, now time.Time) int {
	if t.Done() {
		return 0
	}
	n := 0
	for i := range t.Units {
		u := &t.Units[i]
		if u.Terminal() {
			continue
		}
		u.Status = UnitFailed
		u.Error = reason
		u.Retryable = true
		u.Result = ""
		u.UpdatedAt = now
		t.Failed++
		n++
	}
	if t.Completed+t.Failed == t.Total {
		t.finish(now)
	}
	return n
}

// Validate checks the counters against the unit states.
func (t *Task) Validate() error {
	completed, failed := 0, 0
	for _, u := range t.Units {
		switch u.Status {
		case UnitCompleted:
			completed++
			if u.Error != "" {
				return fmt.Errorf("unit %s completed with error", u.ID)
			}
		case UnitFailed:
			failed++
			if u.Error == "" || u.Result != "" {
				return fmt.Errorf("unit %s failed without exactly one of result/error", u.ID)
			}
		}
	}
	if t.Total != len(t.Units) {
		return fmt.Errorf("total %d does not match %d units", t.Total, len(t.Units))
	}
	if completed != t.Completed || failed != t.Failed {
		return fmt.Errorf("counters %d/%d do not match units %d/%d", t.Completed, t.Failed, completed, failed)
	}
	if t.Completed+t.Failed > t.Total {
		return fmt.Errorf("counters exceed total %d", t.Total)
	}
	return nil
}
