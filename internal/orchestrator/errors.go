package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound                 = errors.New("task not found")
	ErrInvalidState             = errors.New("operation not valid in current task state")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrTaskGone                 = errors.New("task finished during build")
	ErrUnknownKind              = errors.New("unknown task kind")
	ErrInternal                 = errors.New("internal error")
)

// Outcome kinds returned to callers of the core operations.
const (
	OutcomeOK                       = "ok"
	OutcomeNotFound                 = "not_found"
	OutcomeInvalidState             = "invalid_state"
	OutcomeConcurrencyLimitExceeded = "concurrency_limit_exceeded"
	OutcomeValidationError          = "validation_error"
	OutcomePrimaryGenerationError   = "primary_generation_error"
	OutcomeTaskGone                 = "task_gone"
	OutcomeInternalError            = "internal_error"
)

// FieldProblem names one key that failed structural validation.
type FieldProblem struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// ValidationError lists every missing or invalid key of a build snapshot.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Key+": "+p.Reason)
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Keys returns the offending keys in sorted order.
func (e *ValidationError) Keys() []string {
	keys := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys
}

// PrimaryGenerationError wraps a generator failure. The task stays Active.
type PrimaryGenerationError struct {
	Err error
}

func (e *PrimaryGenerationError) Error() string {
	return fmt.Sprintf("primary generation failed: %v", e.Err)
}

func (e *PrimaryGenerationError) Unwrap() error { return e.Err }

// Outcome maps an error returned by the core to its outcome kind.
func Outcome(err error) string {
	var ve *ValidationError
	var pe *PrimaryGenerationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidState):
		return OutcomeInvalidState
	case errors.Is(err, ErrConcurrencyLimitExceeded):
		return OutcomeConcurrencyLimitExceeded
	case errors.Is(err, ErrTaskGone):
		return OutcomeTaskGone
	case errors.As(err, &ve), errors.Is(err, ErrUnknownKind):
		return OutcomeValidationError
	case errors.As(err, &pe):
		return OutcomePrimaryGenerationError
	}
	return OutcomeInternalError
}

// UserMessage is the text shown to the user for an error.
func UserMessage(err error, limit int) string {
	var ve *ValidationError
	switch Outcome(err) {
	case OutcomeOK:
		return ""
	case OutcomeNotFound, OutcomeInvalidState, OutcomeTaskGone:
		return "That task is no longer active."
	case OutcomeConcurrencyLimitExceeded:
		return fmt.Sprintf("Only %d task builds at a time. Finish or close one and try again.", limit)
	case OutcomeValidationError:
		if errors.As(err, &ve) {
			return "Missing or invalid: " + strings.Join(ve.Keys(), ", ")
		}
		return "Unknown task type."
	case OutcomePrimaryGenerationError:
		return "Build failed. Your parameters are kept, you can try again."
	}
	return "Something went wrong. Please try again."
}
