package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound     = errors.New("workflow not found")
	ErrRunNotFound          = errors.New("run not found")
	ErrOrganizationInactive = errors.New("organization is not active")
	ErrRunFinalized         = errors.New("run already finalized")
	ErrRunTimeout           = errors.New("workflow run timed out")
)

// ConfigurationError is a fatal problem with a workflow definition. It is
// detected before any step runs and is never retried.
type ConfigurationError struct {
	StepID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.StepID == "" {
		return "invalid workflow: " + e.Reason
	}
	return fmt.Sprintf("invalid workflow: step %q: %s", e.StepID, e.Reason)
}

// StepExecutionError is a failure while running a single step.
type StepExecutionError struct {
	StepID  string
	Message string
	Err     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.StepID, e.Message)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// NewStepError wraps err as a StepExecutionError for stepID.
func NewStepError(stepID string, err error) *StepExecutionError {
	return &StepExecutionError{StepID: stepID, Message: err.Error(), Err: err}
}

// CredentialError marks failures obtaining a usable API credential.
type CredentialError struct {
	Provider string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Provider, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// RunError is the normalized, public form of a run failure. Internal error
// chains are logged but only this shape is persisted and emitted.
type RunError struct {
	Message string `json:"message"`
	StepID  string `json:"stepId,omitempty"`
}

// NormalizeError reduces err to a RunError.
func NormalizeError(err error) RunError {
	if err == nil {
		return RunError{}
	}
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) {
		return RunError{Message: stepErr.Message, StepID: stepErr.StepID}
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return RunError{Message: cfgErr.Error(), StepID: cfgErr.StepID}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRunTimeout) {
		return RunError{Message: ErrRunTimeout.Error()}
	}
	return RunError{Message: err.Error()}
}
