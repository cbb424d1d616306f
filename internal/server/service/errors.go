package service

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the service matches exactly one of
// these through errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("upload not found")
	ErrSecurity    = errors.New("file failed security checks")
	ErrIntegration = errors.New("external service failure")
	ErrProcessing  = errors.New("file processing failed")
	ErrConflict    = errors.New("upload is not in a state that allows this operation")
)

// ValidationError names one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IntegrationError reports a failed call to a downstream system.
type IntegrationError struct {
	Provider string
	Op       string
	Err      error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

func (e *IntegrationError) Is(target error) bool { return target == ErrIntegration }

// ProcessingError reports an upload whose content could not be processed.
type ProcessingError struct {
	UploadID string
	Reason   string
	Err      error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload %s: %s: %v", e.UploadID, e.Reason, e.Err)
	}
	return fmt.Sprintf("upload %s: %s", e.UploadID, e.Reason)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// SecurityError reports an upload that was quarantined.
type SecurityError struct {
	UploadID string
	Threat   string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("upload %s quarantined: %s", e.UploadID, e.Threat)
}

func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }

// ValidationErrors returns every ValidationError in err's tree.
func ValidationErrors(err error) []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ve, ok := err.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}
