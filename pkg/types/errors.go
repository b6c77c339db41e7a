package types

import (
	"errors"
	"fmt"
)

// InvalidTransitionError reports an attempted lifecycle edge that the state
// machine does not allow. It is a programming or sequencing fault, never
// retried; callers surface it to the operator.
type InvalidTransitionError struct {
	Kind string // "instance" or "worker"
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Kind, e.ID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidationError reports a request or record that fails structural checks
// before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
