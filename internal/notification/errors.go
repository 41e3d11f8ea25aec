package notification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrUnknownType = errors.New("unknown notification type")

// UnknownTypeError is returned by Format before any record is produced.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("Unknown notification type: %s", e.Type)
}

func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }

// MalformedJobError reports a job whose shape or payload cannot be used.
type MalformedJobError struct {
	Reason string
	Err    error
}

func (e *MalformedJobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed job: %s: %v", e.Reason, e.Err)
	}
	return "malformed job: " + e.Reason
}

func (e *MalformedJobError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the job envelope. The data payload is checked by the
// formatter of the job's type.
func Validate(job Job) error {
	err := validate.Struct(job)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return &MalformedJobError{Reason: strings.Join(parts, "; ")}
	}
	return &MalformedJobError{Reason: "validation", Err: err}
}
