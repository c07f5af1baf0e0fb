package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Antinna/HTTP-3/internal/repositories"
)

var (
	// ErrValidation signals malformed input. Nothing was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition signals that the order's current state does not allow the requested change.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict signals a diverging idempotent retry or a lost concurrent claim. Retrying with fresh input may succeed.
	ErrConflict = errors.New("conflict")
	// ErrTransient signals an infrastructure failure before or atomically with commit. The whole call is safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrExhaustedRetry signals that a bounded retry budget ran out. The operation could not complete now.
	ErrExhaustedRetry = errors.New("retry budget exhausted")
	// ErrNotFound signals that a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden signals that the actor may not act on the entity.
	ErrForbidden = errors.New("forbidden")
)

// mapRepositoryError converts repository failures into service sentinels. The repository error stays in the
// chain so the unit of work can still recognise retryable failures.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isServiceError(err) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func isServiceError(err error) bool {
	for _, sentinel := range []error{ErrValidation, ErrInvalidTransition, ErrConflict, ErrTransient, ErrExhaustedRetry, ErrNotFound, ErrForbidden} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
