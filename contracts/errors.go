package contracts

import (
	"fmt"
)

// HostError represents a failure reported by the host for one call
type HostError struct {
	ID     uint64
	Reason string
}

// NewHostError creates a new host error
func NewHostError(id uint64, reason string) *HostError {
	return &HostError{ID: id, Reason: reason}
}

// Error returns the host reason unmodified
func (e *HostError) Error() string {
	return e.Reason
}

// String includes the call id for logs
func (e *HostError) String() string {
	return fmt.Sprintf("host error for call %d: %s", e.ID, e.Reason)
}
