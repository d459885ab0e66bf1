package item

import "fmt"

// ErrorCode classifies a validation failure attached to an item.
type ErrorCode string

const (
	CodeFailedCheck ErrorCode = "FAILED_CHECK"
	CodeBadNewItem  ErrorCode = "BAD_NEW_ITEM"
	CodeBadRevoke   ErrorCode = "BAD_REVOKE"
	CodeBadState    ErrorCode = "BADSTATE"
	CodeFailure     ErrorCode = "FAILURE"
	CodeNotReady    ErrorCode = "NOT_READY"
)

// ErrorRecord is one validation error accumulated while checking an item.
// Errors are recorded, not thrown: they turn the local verdict negative but
// keep the processor participating in consensus.
type ErrorRecord struct {
	Code    ErrorCode `json:"code"`
	Object  string    `json:"object,omitempty"`
	Message string    `json:"message"`
}

func (e ErrorRecord) String() string {
	if e.Object != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Object, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
