// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Standard sentinel errors
var (
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrPolicyInvalid      = errors.New("invalid execution policy")
	ErrPlanInvalid        = errors.New("invalid execution plan")
	ErrLockHeld           = errors.New("market lock held by another instance")
	ErrLockLost           = errors.New("market lock no longer owned")
	ErrLockNotHeld        = errors.New("market lock not held")
	ErrJournalCorrupt     = errors.New("journal record corrupt")
	ErrIntentExists       = errors.New("intent already journaled")
	ErrCommitted          = errors.New("stream already committed")
	ErrInvalidTransition  = errors.New("invalid phase transition")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrIdentityViolation  = errors.New("identity invariant violated")
	ErrAdapterUnavailable = errors.New("order adapter unavailable")
	ErrOrderRejected      = errors.New("order rejected")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrBackfillTimeout    = errors.New("backfill timed out")
	ErrDataNotFound       = errors.New("data not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrNotStarted         = errors.New("engine not started")
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// LockError describes a failed lock operation on a canonical market.
type LockError struct {
	Market string
	Owner  string
	State  string
	Err    error
}

func (e *LockError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lock error [%s] state=%s owner=%s: %v", e.Market, e.State, e.Owner, e.Err)
	}
	return fmt.Sprintf("lock error [%s] state=%s: %v", e.Market, e.State, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// NewLockError creates a new LockError.
func NewLockError(market, state, owner string, err error) *LockError {
	return &LockError{
		Market: market,
		Owner:  owner,
		State:  state,
		Err:    err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	IntentID   string
	Instrument string
	Action     string
	Reason     string
	Err        error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.IntentID, e.Action, e.Instrument, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.IntentID, e.Action, e.Instrument, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(intentID, instrument, action, reason string, err error) *OrderError {
	return &OrderError{
		IntentID:   intentID,
		Instrument: instrument,
		Action:     action,
		Reason:     reason,
		Err:        err,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType   string
	Instrument string
	Message    string
	Err        error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Instrument, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Instrument, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, instrument, message string, err error) *DataError {
	return &DataError{
		DataType:   dataType,
		Instrument: instrument,
		Message:    message,
		Err:        err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Append combines errors, skipping nils.
func Append(err error, more ...error) error {
	for _, m := range more {
		err = multierr.Append(err, m)
	}
	return err
}

// List flattens a combined error into its parts.
func List(err error) []error {
	return multierr.Errors(err)
}

// Messages returns the message of every combined error.
func Messages(err error) []string {
	errs := multierr.Errors(err)
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
