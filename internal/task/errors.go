package task

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrUnitNotFound      = errors.New("unit not found")
	ErrNoUnits           = errors.New("task has no units")
	ErrDuplicateOrdinal  = errors.New("duplicate unit ordinal")
	ErrUnitNotPending    = errors.New("unit is not pending")
	ErrUnitNotStarted    = errors.New("unit is not in progress")
	ErrConflictingResult = errors.New("unit already finished with a different outcome")
	ErrEmptyOutcome      = errors.New("outcome has neither result nor error")
	ErrUnitNotFailed     = errors.New("unit is not failed")
	ErrRetryLimit        = errors.New("unit reached max attempts")
	ErrTaskRunning       = errors.New("task is still running")
	ErrNothingToRetry    = errors.New("no failed units to retry")
)
