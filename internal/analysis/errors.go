package analysis

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the caller does not own the requested job.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicateCorrelation indicates a job already exists for the owner's correlation token.
	ErrDuplicateCorrelation = errors.New("duplicate correlation token")
	// ErrVersionConflict indicates a compare-and-set write used a stale version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrRateLimited indicates admission control rejected the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrStageClaimed indicates another task holds an unexpired claim on the stage.
	ErrStageClaimed = errors.New("stage already claimed")
	// ErrInvalidTransition indicates the outcome does not apply to the job's current status.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrTerminal indicates the job reached COMPLETED or FAILED.
	ErrTerminal = errors.New("job is terminal")
	// ErrResultExists indicates a stage result was already written for the dimension.
	ErrResultExists = errors.New("stage result already recorded")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrQueueFull indicates a bounded queue had no room for the task.
	ErrQueueFull = errors.New("queue full")
	// ErrRobotsDisallowed indicates the site's robots.txt forbids fetching the page.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
)

// StageError carries a stage failure so it can be recorded on the job.
type StageError struct {
	Stage Stage
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s: %v", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Details converts the error into the payload stored on the job.
func (e *StageError) Details() *ErrorDetails {
	return &ErrorDetails{Stage: e.Stage, Code: e.Code, Message: e.Err.Error()}
}

// NewStageError wraps err as a failure of stage.
func NewStageError(stage Stage, code string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}
