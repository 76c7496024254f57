// Package store provides persistence for compiled and expanded plans.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound means no plan has the requested id.
	ErrNotFound = errors.New("plan not found")

	// ErrDuplicateID means a plan with the record's id is already stored.
	ErrDuplicateID = errors.New("plan id already stored")

	// ErrForeignKey means an expanded plan names a source plan that is not
	// stored.
	ErrForeignKey = errors.New("source plan not stored")

	// ErrConnectionFailed means the SQLite database could not be opened.
	ErrConnectionFailed = errors.New("plan database unavailable")

	// ErrMigrationFailed means the plans schema could not be brought up to date.
	ErrMigrationFailed = errors.New("plan schema migration failed")

	// ErrInvalidData means a record failed validation, or its plan document
	// could not be encoded to or decoded from the plan column.
	ErrInvalidData = errors.New("invalid plan record")

	// ErrTxFailed means a transaction could not begin, commit or roll back.
	ErrTxFailed = errors.New("plan transaction failed")
)

// StoreError records which store operation failed, and on which plan.
type StoreError struct {
	Op      string
	PlanID  string // empty for operations not tied to one plan
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.PlanID != "" {
		return fmt.Sprintf("%s plan %s: %s", e.Op, e.PlanID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// planError reports a failure of op on the plan with the given id.
func planError(op, id, message string, err error) *StoreError {
	return &StoreError{Op: op, PlanID: id, Message: message, Err: err}
}

// dbError reports a failure of the database itself.
func dbError(op, message string, err error) *StoreError {
	return &StoreError{Op: op, Message: message, Err: err}
}
