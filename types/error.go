package types

import (
	"errors"
	"fmt"
)

// Severity classifies how bad a failure is. Ordering matters: recovery
// budgets shrink as severity grows.
type Severity int

const (
	// SeverityTransient covers network blips, timeouts and other failures
	// expected to clear on their own.
	SeverityTransient Severity = iota
	// SeverityPersistent covers repeated failures such as a database that
	// keeps rejecting writes.
	SeverityPersistent
	// SeverityCritical covers failures in clinically sensitive steps where
	// silent retries are not acceptable.
	SeverityCritical
	// SeverityCatastrophic covers security or compliance breaches involving
	// sensitive data.
	SeverityCatastrophic
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityPersistent:
		return "persistent"
	case SeverityCritical:
		return "critical"
	case SeverityCatastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// Category identifies the failing subsystem, orthogonal to Severity.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryStorage         Category = "storage"
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryValidation      Category = "validation"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryResource        Category = "resource"
	CategoryExternalService Category = "external_service"
	CategorySensitiveData   Category = "sensitive_data_security"
	CategoryDecisionSupport Category = "decision_support"
)

// ErrorCode represents a unified error code across the orchestration
// subsystem.
type ErrorCode string

const (
	ErrGraphInvalid       ErrorCode = "GRAPH_INVALID"
	ErrNodeNotFound       ErrorCode = "NODE_NOT_FOUND"
	ErrEdgeNotFound       ErrorCode = "EDGE_NOT_FOUND"
	ErrStepFailed         ErrorCode = "STEP_FAILED"
	ErrExecutionCancelled ErrorCode = "EXECUTION_CANCELLED"
	ErrExecutionStopped   ErrorCode = "EXECUTION_STOPPED"
	ErrVersionNotFound    ErrorCode = "VERSION_NOT_FOUND"
	ErrBranchNotFound     ErrorCode = "BRANCH_NOT_FOUND"
	ErrWorkflowMismatch   ErrorCode = "WORKFLOW_MISMATCH"
	ErrMergeConflict      ErrorCode = "MERGE_CONFLICT"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrCheckpointStale    ErrorCode = "CHECKPOINT_STALE"
	ErrCheckpointMissing  ErrorCode = "CHECKPOINT_MISSING"
	ErrRecoveryExhausted  ErrorCode = "RECOVERY_EXHAUSTED"
	ErrOverrideForbidden  ErrorCode = "OVERRIDE_FORBIDDEN"
	ErrDeadLetterMissing  ErrorCode = "DEAD_LETTER_MISSING"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Error is the structured error carried through the engine and the
// resilience layer. Severity and Category drive recovery strategy
// selection; Retryable is a hint for callers outside that path.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Severity      Severity  `json:"severity"`
	Category      Category  `json:"category"`
	Retryable     bool      `json:"retryable"`
	WorkflowID    string    `json:"workflow_id,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	SensitiveData bool      `json:"sensitive_data"`
	Cause         error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message. The zero
// severity is transient and the default category is business logic, the
// most common shape for engine-originated failures.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Category: CategoryBusinessLogic}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSeverity sets the failure severity.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithCategory sets the failure category.
func (e *Error) WithCategory(c Category) *Error {
	e.Category = c
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRun attaches run identifiers for log correlation.
func (e *Error) WithRun(workflowID, runID string) *Error {
	e.WorkflowID = workflowID
	e.RunID = runID
	return e
}

// WithNode attaches the failing node.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithSensitiveData marks the failure as involving sensitive payloads,
// which raises dead-letter priority.
func (e *Error) WithSensitiveData() *Error {
	e.SensitiveData = true
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// SeverityOf extracts the severity of an error, defaulting to transient
// for plain errors so unknown failures still enter the retry path.
func SeverityOf(err error) Severity {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Severity
	}
	return SeverityTransient
}

// CategoryOf extracts the category of an error.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryBusinessLogic
}

// InvolvesSensitiveData reports whether the error touched sensitive
// payloads.
func InvolvesSensitiveData(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.SensitiveData || fe.Category == CategorySensitiveData
	}
	return false
}
