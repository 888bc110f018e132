package ai

import (
	"context"
	"errors"
	"net"
	"net/http"
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

var (
	ErrEmptyResponse = errors.New("model returned an empty response")
	ErrNoImage       = errors.New("no image found in response")
)

// GenerationError wraps a model failure with whether repeating the call
// could succeed.
type GenerationError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	return e.Op + " (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Retryable() bool { return e.Kind == KindTransient }

func Transient(op string, err error) error {
	return &GenerationError{Op: op, Kind: KindTransient, Err: err}
}

func Permanent(op string, err error) error {
	return &GenerationError{Op: op, Kind: KindPermanent, Err: err}
}

// FromStatus classifies an HTTP status returned by a model endpoint:
// 408, 429 and 5xx are transient, everything else permanent.
func FromStatus(op string, status int, err error) error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return Transient(op, err)
	}
	return Permanent(op, err)
}

// Classify wraps err unless it already carries a classification.
// Deadlines and network failures are transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	return Permanent(op, err)
}

// IsRetryable reports whether err is a transient generation failure.
func IsRetryable(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Retryable()
}
