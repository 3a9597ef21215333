package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen matches any *CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError rejects a call without running it.
type CircuitOpenError struct {
	Service    string
	Function   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s, retry after %s", e.Service, e.Function, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// ErrRecoveryExhausted matches any *RecoveryExhaustedError via errors.Is.
var ErrRecoveryExhausted = errors.New("recovery exhausted")

// RecoveryExhaustedError reports that the retry budget of a category was
// spent. It unwraps to the error of the original call, never to a retry's.
type RecoveryExhaustedError struct {
	Category Category
	Retries  int
	Err      error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("%s recovery exhausted after %d retries: %v", e.Category, e.Retries, e.Err)
}

func (e *RecoveryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RecoveryExhaustedError) Is(target error) bool {
	return target == ErrRecoveryExhausted
}

type taggedError struct {
	err      error
	category Category
}

func (e *taggedError) Error() string { return e.err.Error() }

func (e *taggedError) Unwrap() error { return e.err }

// Tag attaches a category to err. Tagged errors bypass the classifier.
func Tag(err error, c Category) error {
	if err == nil {
		return nil
	}
	return &taggedError{err: err, category: c}
}

// TaggedCategory returns the category attached by Tag, if any.
func TaggedCategory(err error) (Category, bool) {
	var t *taggedError
	if errors.As(err, &t) {
		return t.category, true
	}
	return "", false
}

// ErrPanic wraps a panic raised by a guarded operation.
var ErrPanic = errors.New("operation panicked")

// guard turns a panic in op into a system error so the breaker sees it.
func guard(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = Tag(fmt.Errorf("%w: %v", ErrPanic, r), CategorySystem)
			}
		}()
		return op(ctx)
	}
}
