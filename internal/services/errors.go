package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrInvalidBody     = errors.New("invalid message body")
	ErrAuthorSuspended = errors.New("author is suspended")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidReport   = errors.New("invalid report")
	ErrTransient       = errors.New("temporarily unavailable")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
)

// AuthorSuspendedError is returned by Send while the author is suspended.
type AuthorSuspendedError struct {
	Until time.Time
}

func (e *AuthorSuspendedError) Error() string {
	return fmt.Sprintf("author is suspended until %s (%s)",
		e.Until.UTC().Format(time.RFC3339), humanize.Time(e.Until))
}

func (e *AuthorSuspendedError) Is(target error) bool {
	return target == ErrAuthorSuspended
}

// transient marks deadline and connectivity failures as retryable.
func transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// outcome labels err for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrInvalidBody), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidReport):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthorSuspended), errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized):
		return "denied"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, errNotStale):
		return "skipped"
	default:
		return "error"
	}
}
