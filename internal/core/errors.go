package core

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors. Transport-level failures are wrapped and retried by the
// callers; these sentinels classify failures that are not retryable.
var (
	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrEmptyPipeline     = errors.New("pipeline has no stages")
	ErrCycleDetected     = errors.New("cycle detected in stage dependencies")
	ErrEmptyMatrix       = errors.New("matrix expansion produced no combinations")

	ErrRunNotFound      = errors.New("run not found")
	ErrRunTerminal      = errors.New("run already in a terminal state")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrNoAvailableAgent = errors.New("no available agent")

	ErrApprovalNotFound = errors.New("approval gate not found")
	ErrApprovalResolved = errors.New("approval gate already resolved")
	ErrApprovalRejected = errors.New("approval rejected")
	ErrApprovalExpired  = errors.New("approval expired")

	ErrSecretNotFound = errors.New("secret not found")
	ErrCacheMiss      = errors.New("cache miss")
)

// UnknownDependencyError reports a depends_on entry that names a stage not
// present in the pipeline.
type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Stage, e.Dependency)
}

// ErrorList collects multiple errors and reports them together.
type ErrorList struct {
	errs []error
}

// Add appends a non-nil error to the list.
func (l *ErrorList) Add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

// ErrorOrNil returns nil when the list is empty, the single error when it
// holds one, and the aggregate otherwise.
func (l *ErrorList) ErrorOrNil() error {
	switch len(l.errs) {
	case 0:
		return nil
	case 1:
		return l.errs[0]
	default:
		return l
	}
}

func (l *ErrorList) Error() string {
	msgs := make([]string, len(l.errs))
	for i, err := range l.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(l.errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (l *ErrorList) Unwrap() []error {
	return l.errs
}
