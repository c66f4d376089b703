package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a user or post does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale means a post was no longer in the status the caller held, so
// another owner moved it first.
var ErrStale = errors.New("post status changed underneath caller")

// ValidationError reports bad input from a caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// InsufficientCreditsError is a precondition failure before any provider call.
type InsufficientCreditsError struct {
	UserID   string
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string { return "insufficient credits" }

// Stage names a provider call inside fulfillment.
type Stage string

const (
	StageContent Stage = "content"
	StageImage   Stage = "image"
	StagePublish Stage = "publish"
)

// ProviderError wraps a content, image or publishing failure.
type ProviderError struct {
	Stage Stage
	Err   error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return string(e.Stage) + " provider failed"
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError wraps a datastore failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence: " + e.Op + ": " + errString(e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// BillingError means a post was published but its debit did not land.
// The post stays posted; the gap needs manual reconciliation.
type BillingError struct {
	PostID string
	Err    error
}

func (e *BillingError) Error() string {
	return "post " + e.PostID + " published but unbilled: " + errString(e.Err)
}

func (e *BillingError) Unwrap() error { return e.Err }

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
