package model

import (
	"errors"
	"fmt"
)

// ErrNotFound covers unknown instances, patterns, and approval ids. Callers
// treat it as "nothing to do" rather than a failure.
var ErrNotFound = errors.New("not found")

// ErrConfigInvalid covers bad regexes, unknown pattern types, and unknown
// enum values, rejected at mutation time.
var ErrConfigInvalid = errors.New("invalid configuration")

// ProvisioningError wraps a failure during container or network creation.
// The orchestrator rolls back whatever was created before surfacing it.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
