package criteria

import "errors"

// ValidationError reports a malformed or insufficient request. It is a client
// error and is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ErrNoIdentifyingCriteria is returned when none of the patient, study,
// accession, series or object filters is set.
var ErrNoIdentifyingCriteria = &ValidationError{Message: "no identifying criteria"}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
