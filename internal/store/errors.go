package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRefundExceeded    = errors.New("refund quantity exceeded")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrValidation        = errors.New("validation failed")
	// ErrConflict reports a unique key that is already taken, such as a
	// reused idempotency key racing its first use.
	ErrConflict = errors.New("conflict")
)

type InsufficientStockError struct {
	ProductID string
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: %d available", e.ProductID, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type UnknownProductError struct {
	ProductID string
	StoreID   string
}

func (e *UnknownProductError) Error() string {
	if e.StoreID == "" {
		return fmt.Sprintf("unknown product %s", e.ProductID)
	}
	return fmt.Sprintf("unknown product %s in store %s", e.ProductID, e.StoreID)
}

func (e *UnknownProductError) Is(target error) bool { return target == ErrUnknownProduct }

// UnknownOrderError is returned when an order id or payment code resolves to
// nothing. It also matches ErrNotFound.
type UnknownOrderError struct {
	Ref string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("unknown order %s", e.Ref)
}

func (e *UnknownOrderError) Is(target error) bool { return target == ErrNotFound }

type InvalidStateTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("order %s cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type RefundQuantityExceededError struct {
	ProductID string
	Purchased int
	Refunded  int
	Requested int
}

func (e *RefundQuantityExceededError) Error() string {
	return fmt.Sprintf("refund of %d x %s exceeds purchased %d (already refunded %d)",
		e.Requested, e.ProductID, e.Purchased, e.Refunded)
}

func (e *RefundQuantityExceededError) Is(target error) bool { return target == ErrRefundExceeded }

type SignatureMismatchError struct {
	Code string
}

func (e *SignatureMismatchError) Error() string {
	if e.Code == "" {
		return "payment signature mismatch"
	}
	return fmt.Sprintf("payment signature mismatch for code %s", e.Code)
}

func (e *SignatureMismatchError) Is(target error) bool { return target == ErrSignatureMismatch }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
