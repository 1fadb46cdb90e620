package pipeline

import (
	"errors"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

// ErrDeploymentInError is the dead-letter reason for jobs of a deployment
// waiting on an operator reset
var ErrDeploymentInError = errors.New("deployment in error state")

// ErrorClass is how a failure is handled
type ErrorClass int

const (
	// ClassInput failures come from bad uploads or payloads and are never retried
	ClassInput ErrorClass = iota

	// ClassTransient failures are retried with backoff, then dead-lettered
	ClassTransient

	// ClassConsistency failures are expected races resolved by discarding the work
	ClassConsistency

	// ClassFatal failures move the deployment to ERROR
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassConsistency:
		return "consistency"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

type inputError struct {
	err error
}

func (e *inputError) Error() string { return e.err.Error() }
func (e *inputError) Unwrap() error { return e.err }

// Invalid marks err as caused by the job's input; retrying cannot help
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &inputError{err: err}
}

// Fatal marks err as preventing any further progress for a deployment
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Classify maps a job failure onto the error taxonomy
func Classify(err error) ErrorClass {
	var fatal *fatalError
	var input *inputError
	switch {
	case errors.As(err, &input):
		return ClassInput
	case errors.As(err, &fatal), errors.Is(err, aggregator.ErrLayoutCorrupt):
		return ClassFatal
	case errors.Is(err, queue.ErrSuperseded), errors.Is(err, queue.ErrLeaseLost):
		return ClassConsistency
	default:
		return ClassTransient
	}
}
