package pipeline

import "errors"

var (
	ErrProjectBusy      = errors.New("a generation stage is already running for this project")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNoOutline        = errors.New("project has no outline pages")
	ErrNoDescriptions   = errors.New("no page has a description")
	ErrNoDescription    = errors.New("page has no description")
	ErrNoImage          = errors.New("page has no image")
	ErrNoImages         = errors.New("no page has an image")
	ErrStaleTask        = errors.New("task was superseded by a newer stage")
	ErrEmptyInstruction = errors.New("edit instruction is empty")
)
