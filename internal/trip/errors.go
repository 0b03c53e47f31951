package trip

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by a Store when an update lost a race with
// another writer. The manager reports it as an InvalidTransitionError.
var ErrVersionConflict = errors.New("trip version conflict")

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Field != "":
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

// InvalidTransitionError reports an operation attempted from a state that
// does not permit it.
type InvalidTransitionError struct {
	TripID string
	Op     string
	From   Status
	Err    error
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s trip %s in status %s", e.Op, e.TripID, e.From)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e InvalidTransitionError) Unwrap() error { return e.Err }

// AuthorizationError reports a driver acting on a trip it does not own.
type AuthorizationError struct {
	TripID   string
	DriverID string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("driver %s does not own trip %s", e.DriverID, e.TripID)
}

// NotFoundError reports an unknown trip, bus or driver identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target InvalidTransitionError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target AuthorizationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Error kinds as reported to clients and metrics.
const (
	KindValidation        = "validation"
	KindInvalidTransition = "invalid_transition"
	KindAuthorization     = "authorization"
	KindNotFound          = "not_found"
	KindInternal          = "internal"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindValidation
	case IsInvalidTransition(err):
		return KindInvalidTransition
	case IsAuthorization(err):
		return KindAuthorization
	case IsNotFound(err):
		return KindNotFound
	}
	return KindInternal
}
