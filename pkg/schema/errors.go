package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeGraphStructure    = "GRAPH_STRUCTURE_ERROR"
	ErrCodeMissingParameter  = "MISSING_PARAMETER"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// EngineError is the structured error type for all cyclone operations.
// Iteration is meaningful only when CycleID is set; -1 means "not inside
// an iteration".
type EngineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Cause     error          `json:"-"`
}

func (e *EngineError) Error() string {
	switch {
	case e.CycleID != "" && e.NodeID != "":
		return fmt.Sprintf("[%s] cycle %s iteration %d node %s: %s", e.Code, e.CycleID, e.Iteration, e.NodeID, e.Message)
	case e.CycleID != "":
		return fmt.Sprintf("[%s] cycle %s: %s", e.Code, e.CycleID, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message, Iteration: -1}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...), Iteration: -1}
}

// WithNode attaches the failing node ID.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCycle attaches the owning cycle ID and the iteration the failure
// occurred in.
func (e *EngineError) WithCycle(cycleID string, iteration int) *EngineError {
	e.CycleID = cycleID
	e.Iteration = iteration
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
