package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, n int) *Task {
	t.Helper()
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{PageID: "page-" + string(rune('a'+i)), Ordinal: i, Phase: PhaseDescription}
	}
	tsk, err := New("project", KindDescriptions, 3, units, time.Now())
	require.NoError(t, err)
	return tsk
}

func run(t *testing.T, tsk *Task, idx int, out Outcome) {
	t.Helper()
	now := time.Now()
	_, err := tsk.BeginUnit(tsk.Units[idx].ID, now)
	require.NoError(t, err)
	changed, err := tsk.ApplyOutcome(tsk.Units[idx].ID, out, now)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, tsk.Validate())
}

func TestNewRejectsDuplicateOrdinals(t *testing.T) {
	_, err := New("p", KindImages, 2, []Unit{{Ordinal: 0}, {Ordinal: 0}}, time.Now())
	assert.True(t, errors.Is(err, ErrDuplicateOrdinal))

	_, err = New("p", KindImages, 2, nil, time.Now())
	assert.True(t, errors.Is(err, ErrNoUnits))
}

func TestClampWorkers(t *testing.T) {
	assert.Equal(t, 10, ClampWorkers(50, 5))
	assert.Equal(t, 5, ClampWorkers(0, 5))
	assert.Equal(t, 1, ClampWorkers(-1, 0))
	assert.Equal(t, 3, ClampWorkers(3, 8))
}

func TestCountersAndPartialCompletion(t *testing.T) {
	tsk := newTestTask(t, 3)
	assert.Equal(t, StatusPending, tsk.Status)

	run(t, tsk, 0, Outcome{Result: "a"})
	assert.Equal(t, StatusProcessing, tsk.Status)
	assert.NotNil(t, tsk.StartedAt)
	assert.Nil(t, tsk.FinishedAt)

	run(t, tsk, 1, Outcome{Err: "boom", Retryable: true})
	run(t, tsk, 2, Outcome{Result: "c"})

	assert.Equal(t, StatusCompleted, tsk.Status)
	assert.Equal(t, Progress{Total: 3, Completed: 2, Failed: 1}, tsk.Progress())
	assert.NotNil(t, tsk.FinishedAt)
	assert.NotEmpty(t, tsk.Warning)
	assert.Empty(t, tsk.ErrorMessage)
}

func TestTotalLossFailsTask(t *testing.T) {
	tsk := newTestTask(t, 2)
	run(t, tsk, 1, Outcome{Err: "second"})
	run(t, tsk, 0, Outcome{Err: "first"})

	assert.Equal(t, StatusFailed, tsk.Status)
	assert.Contains(t, tsk.ErrorMessage, "first")
	assert.Empty(t, tsk.Warning)
}

func TestApplyOutcomeIsIdempotent(t *testing.T) {
	tsk := newTestTask(t, 2)
	run(t, tsk, 0, Outcome{Result: "r"})

	changed, err := tsk.ApplyOutcome(tsk.Units[0].ID, Outcome{Result: "r"}, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, tsk.Completed)

	_, err = tsk.ApplyOutcome(tsk.Units[0].ID, Outcome{Err: "late"}, time.Now())
	assert.True(t, errors.Is(err, ErrConflictingResult))
	require.NoError(t, tsk.Validate())
}

func TestApplyOutcomeRequiresInProgress(t *testing.T) {
	tsk := newTestTask(t, 1)
	_, err := tsk.ApplyOutcome(tsk.Units[0].ID, Outcome{Result: "r"}, time.Now())
	assert.True(t, errors.Is(err, ErrUnitNotStarted))

	_, err = tsk.BeginUnit("missing", time.Now())
	assert.True(t, errors.Is(err, ErrUnitNotFound))

	_, err = tsk.BeginUnit(tsk.Units[0].ID, time.Now())
	require.NoError(t, err)
	_, err = tsk.BeginUnit(tsk.Units[0].ID, time.Now())
	assert.True(t, errors.Is(err, ErrUnitNotPending))
}

func TestRequeueAllFailedSkipsPermanent(t *testing.T) {
	tsk := newTestTask(t, 3)
	run(t, tsk, 0, Outcome{Result: "ok"})
	run(t, tsk, 1, Outcome{Err: "timeout", Retryable: true})
	run(t, tsk, 2, Outcome{Err: "policy", Retryable: false})
	finished := tsk.FinishedAt

	ids, err := tsk.Requeue(nil, DefaultMaxAttempts, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{tsk.Units[1].ID}, ids)
	assert.Equal(t, StatusPending, tsk.Status)
	assert.Nil(t, tsk.FinishedAt)
	assert.NotNil(t, finished)
	assert.Equal(t, 1, tsk.Failed)
	assert.Equal(t, UnitPending, tsk.Units[1].Status)
	assert.Equal(t, 1, tsk.Units[1].AttemptCount)
	require.NoError(t, tsk.Validate())
}

func TestRequeueExplicitIDs(t *testing.T) {
	tsk := newTestTask(t, 2)
	run(t, tsk, 0, Outcome{Result: "ok"})
	run(t, tsk, 1, Outcome{Err: "policy"})

	_, err := tsk.Requeue([]string{tsk.Units[0].ID}, 3, time.Now())
	assert.True(t, errors.Is(err, ErrUnitNotFailed))

	_, err = tsk.Requeue([]string{"nope"}, 3, time.Now())
	assert.True(t, errors.Is(err, ErrUnitNotFound))

	ids, err := tsk.Requeue([]string{tsk.Units[1].ID}, 3, time.Now())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRequeueRespectsAttemptCap(t *testing.T) {
	tsk := newTestTask(t, 1)
	id := tsk.Units[0].ID
	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		run(t, tsk, 0, Outcome{Err: "timeout", Retryable: true})
		assert.Equal(t, attempt, tsk.Units[0].AttemptCount)
		if attempt < DefaultMaxAttempts {
			_, err := tsk.Requeue(nil, DefaultMaxAttempts, time.Now())
			require.NoError(t, err)
		}
	}

	_, err := tsk.Requeue(nil, DefaultMaxAttempts, time.Now())
	assert.True(t, errors.Is(err, ErrNothingToRetry))
	_, err = tsk.Requeue([]string{id}, DefaultMaxAttempts, time.Now())
	assert.True(t, errors.Is(err, ErrRetryLimit))
	assert.Equal(t, UnitFailed, tsk.Units[0].Status)
	assert.Equal(t, StatusFailed, tsk.Status)
}

func TestRequeueRejectsRunningTask(t *testing.T) {
	tsk := newTestTask(t, 2)
	run(t, tsk, 0, Outcome{Err: "x", Retryable: true})
	_, err := tsk.Requeue(nil, 3, time.Now())
	assert.True(t, errors.Is(err, ErrTaskRunning))
}

func TestRetryRunSetsFinishedAtAgain(t *testing.T) {
	tsk := newTestTask(t, 2)
	run(t, tsk, 0, Outcome{Result: "ok"})
	run(t, tsk, 1, Outcome{Err: "timeout", Retryable: true})

	_, err := tsk.Requeue(nil, 3, time.Now())
	require.NoError(t, err)
	run(t, tsk, 1, Outcome{Result: "ok2"})

	assert.Equal(t, StatusCompleted, tsk.Status)
	assert.NotNil(t, tsk.FinishedAt)
	assert.Empty(t, tsk.Warning)
	assert.Equal(t, 2, tsk.Units[1].AttemptCount)
}

func TestInterruptFailsUnfinishedUnitsAsRetryable(t *testing.T) {
	tsk := newTestTask(t, 3)
	run(t, tsk, 0, Outcome{Result: "ok"})
	_, err := tsk.BeginUnit(tsk.Units[1].ID, time.Now())
	require.NoError(t, err)

	n := tsk.Interrupt("interrupted", time.Now())
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusCompleted, tsk.Status)
	for _, u := range tsk.Units[1:] {
		assert.Equal(t, UnitFailed, u.Status)
		assert.True(t, u.Retryable)
	}
	require.NoError(t, tsk.Validate())
	assert.Zero(t, tsk.Interrupt("again", time.Now()))
}

func TestCloneIsIndependent(t *testing.T) {
	tsk := newTestTask(t, 1)
	cp := tsk.Clone()
	cp.Units[0].Status = UnitFailed
	assert.Equal(t, UnitPending, tsk.Units[0].Status)
}

func TestApplyOutcomeRejectsEmptyOutcome(t *testing.T) {
	tsk := newTestTask(t, 1)
	id := tsk.Units[0].ID
	_, err := tsk.BeginUnit(id, time.Now())
	require.NoError(t, err)

	_, err = tsk.ApplyOutcome(id, Outcome{}, time.Now())
	assert.True(t, errors.Is(err, ErrEmptyOutcome))
	_, err = tsk.ApplyOutcome(id, Outcome{Result: "r", Err: "e"}, time.Now())
	assert.True(t, errors.Is(err, ErrEmptyOutcome))

	assert.Equal(t, UnitInProgress, tsk.Units[0].Status)
	assert.Equal(t, 0, tsk.Completed)
	require.NoError(t, tsk.Validate())
}
