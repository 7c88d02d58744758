package errors

import (
	stderrors "errors"
	"fmt"
)

// Category classifies engine errors by how the caller should react
type Category string

const (
	// Rejected before any state creation
	CategoryValidation Category = "VALIDATION"
	// Illegal transition attempt; order and ledger unchanged
	CategoryInvalidState Category = "INVALID_STATE"
	// Cancel lost the race to a fill
	CategoryAlreadyFilled Category = "ALREADY_FILLED"
	// Risk gate veto; order moves to REJECTED with the sub-reason preserved
	CategoryRiskDenied Category = "RISK_DENIED"
	// Collaborator-reported failure; transient ones may be retried
	CategoryBroker Category = "BROKER"
	// Fill the ledger cannot reconcile; isolated to that fill
	CategoryLedgerInconsistency Category = "LEDGER_INCONSISTENCY"
	// Malformed or missing configuration
	CategoryConfig Category = "CONFIG"
)

// EngineError is a categorized error with component context
type EngineError struct {
	Category   Category
	Component  string
	Operation  string
	Message    string
	Underlying error
	Retryable  bool
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *EngineError) Unwrap() error {
	return e.Underlying
}

// IsRetryable reports whether the operation may be retried
func (e *EngineError) IsRetryable() bool {
	return e.Retryable
}

// New creates a categorized engine error
func New(category Category, component, operation, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
		Retryable: category == CategoryBroker,
	}
}

// Wrap attaches category and component context to an existing error
func Wrap(err error, category Category, component, operation string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Retryable:  category == CategoryBroker,
	}
}

// WithRetryable overrides the retryable flag
func (e *EngineError) WithRetryable(retryable bool) *EngineError {
	e.Retryable = retryable
	return e
}

// CategoryOf returns the category of err, or "" if err is not an EngineError
func CategoryOf(err error) Category {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// Is-style predicates for the taxonomy callers branch on.

func IsValidation(err error) bool    { return CategoryOf(err) == CategoryValidation }
func IsInvalidState(err error) bool  { return CategoryOf(err) == CategoryInvalidState }
func IsAlreadyFilled(err error) bool { return CategoryOf(err) == CategoryAlreadyFilled }
func IsRiskDenied(err error) bool    { return CategoryOf(err) == CategoryRiskDenied }
func IsBroker(err error) bool        { return CategoryOf(err) == CategoryBroker }
func IsLedgerInconsistency(err error) bool {
	return CategoryOf(err) == CategoryLedgerInconsistency
}

// IsRetryable reports whether err is an engine error marked retryable
func IsRetryable(err error) bool {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}
