package computation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no computation matches the request.
	ErrNotFound = errors.New("computation not found")

	// ErrAlreadyExists is returned when creating a computation whose global ID is taken.
	ErrAlreadyExists = errors.New("computation already exists")

	// ErrStaleVersion is returned when a token's version no longer matches storage.
	// Callers re-read the token and re-decide.
	ErrStaleVersion = errors.New("stale computation token")

	// ErrIllegalTransition is returned for a stage change the protocol table forbids.
	ErrIllegalTransition = errors.New("illegal stage transition")

	// ErrUnknownStage is returned for a stage/protocol/description combination
	// the protocol table does not define.
	ErrUnknownStage = errors.New("unknown stage for protocol")

	// ErrInputCountMismatch is returned when a stage sees an unexpected number of inputs.
	ErrInputCountMismatch = errors.New("input blob count mismatch")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalState is returned when stored state contradicts the request.
	ErrIllegalState = errors.New("illegal state")
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

// Error implements error.
func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err must fail the computation instead of retrying it.
// Invalid arguments, illegal state, unknown stages, illegal transitions and input
// count mismatches are permanent; anything else is transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}

	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrUnknownStage) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInputCountMismatch)
}

const (
	// backoffStep is the delay added per attempt.
	backoffStep = 5 * time.Second

	// maxBackoff caps the retry delay.
	maxBackoff = 60 * time.Second
)

// EnqueueDelay returns the retry delay for a computation at the given attempt:
// min(60, attempt*5) seconds.
func EnqueueDelay(attempt uint32) time.Duration {
	if attempt >= uint32(maxBackoff/backoffStep) {
		return maxBackoff
	}

	return time.Duration(attempt) * backoffStep
}
