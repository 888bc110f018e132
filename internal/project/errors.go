package project

import "errors"

var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrPageNotFound        = errors.New("page not found")
	ErrEmptyOutline        = errors.New("outline has no pages")
	ErrInvalidOutline      = errors.New("invalid outline")
	ErrInvalidCreationType = errors.New("invalid creation type")
)
