package security

import (
	"fmt"
	"sync"
)

// OperationType represents the type of operation.
type OperationType string

const (
	OpRead OperationType = "READ"

	// Write operations (blocked in read-only mode)
	OpPlaceOrder  OperationType = "PLACE_ORDER"
	OpPlaceOCO    OperationType = "PLACE_OCO"
	OpCancelOrder OperationType = "CANCEL_ORDER"
)

// ReadOnlyError represents an error when attempting a write operation in read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// AccessController manages read-only mode.
type AccessController struct {
	readOnly bool
	mu       sync.RWMutex
}

// NewAccessController creates a new access controller.
func NewAccessController(readOnly bool) *AccessController {
	return &AccessController{readOnly: readOnly}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly toggles read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// Check returns a ReadOnlyError for write operations while read-only mode is on.
func (ac *AccessController) Check(op OperationType) error {
	if op == OpRead || !ac.IsReadOnly() {
		return nil
	}
	return &ReadOnlyError{Operation: op}
}
