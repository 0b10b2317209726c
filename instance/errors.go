package instance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the challenge, user or instance does not exist
	ErrNotFound = errors.New("not found")
	// ErrProvisioningFailed is returned when init, apply or output failed. The instance row
	// stays un-provisioned for the sweep
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrTeardownFailed is returned when destroy or directory removal failed. The instance
	// is not marked destroyed
	ErrTeardownFailed = errors.New("teardown failed")
)

// OperationError is a lifecycle failure. errors.Is matches Kind, and errors.As reaches
// the underlying cause such as a *provision.Error with the captured output
type OperationError struct {
	Kind       error
	InstanceID uint
	Cause      error
}

func (e *OperationError) Error() string {
	if e.InstanceID != 0 {
		return fmt.Sprintf("instance %d: %s: %v", e.InstanceID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *OperationError) Is(target error) bool {
	return target == e.Kind
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}
