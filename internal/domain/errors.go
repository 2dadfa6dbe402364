package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy shared by the ledger, the orchestrator and
// the HTTP layer.
type ErrorKind string

const (
	KindInvalidArgument      ErrorKind = "InvalidArgument"
	KindInsufficientStock    ErrorKind = "InsufficientStock"
	KindNotFound             ErrorKind = "NotFound"
	KindAlreadyTerminal      ErrorKind = "AlreadyTerminal"
	KindStoreUnavailable     ErrorKind = "StoreUnavailable"
	KindConsistencyViolation ErrorKind = "ConsistencyViolation"
	KindOrderFailed          ErrorKind = "OrderFailed"
)

// DomainError represents a domain-level error. Two DomainErrors match under
// errors.Is when their kinds match, so the sentinels below work as kind tests.
type DomainError struct {
	Kind      ErrorKind
	Message   string
	ProductID string
	Available int
	Requested int
	Err       error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Kind == e.Kind
}

// Domain errors
var (
	ErrInvalidArgument      = &DomainError{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrInsufficientStock    = &DomainError{Kind: KindInsufficientStock, Message: "insufficient stock available"}
	ErrNotFound             = &DomainError{Kind: KindNotFound, Message: "not found"}
	ErrAlreadyTerminal      = &DomainError{Kind: KindAlreadyTerminal, Message: "order already in a terminal state"}
	ErrStoreUnavailable     = &DomainError{Kind: KindStoreUnavailable, Message: "store unavailable"}
	ErrConsistencyViolation = &DomainError{Kind: KindConsistencyViolation, Message: "consistency violation"}
	ErrOrderFailed          = &DomainError{Kind: KindOrderFailed, Message: "order failed"}
)

// ErrDuplicateSubmission is returned by order stores when the submission key
// is already taken by another order.
var ErrDuplicateSubmission = errors.New("duplicate submission key")

func InvalidArgument(format string, args ...interface{}) *DomainError {
	return &DomainError{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productID string, available, requested int) *DomainError {
	return &DomainError{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", productID, available, requested),
		ProductID: productID,
		Available: available,
		Requested: requested,
	}
}

func NotFound(what, id string) *DomainError {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func AlreadyTerminal(orderID string, status OrderStatus) *DomainError {
	return &DomainError{Kind: KindAlreadyTerminal, Message: fmt.Sprintf("order %s is already %s", orderID, status)}
}

func StoreUnavailable(op string, err error) *DomainError {
	return &DomainError{Kind: KindStoreUnavailable, Message: "store unavailable during " + op, Err: err}
}

func ConsistencyViolation(format string, args ...interface{}) *DomainError {
	return &DomainError{Kind: KindConsistencyViolation, Message: fmt.Sprintf(format, args...)}
}

// OrderFailed wraps the reason a submission was rejected. The reason stays
// reachable through errors.Is / errors.As.
func OrderFailed(reason error) *DomainError {
	e := &DomainError{Kind: KindOrderFailed, Message: "order failed", Err: reason}
	var de *DomainError
	if errors.As(reason, &de) {
		e.ProductID = de.ProductID
		e.Available = de.Available
		e.Requested = de.Requested
	}
	return e
}

// KindOf returns the kind of the outermost DomainError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// WrapStore passes domain and context errors through unchanged and marks any
// other error as a StoreUnavailable failure of op.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return StoreUnavailable(op, err)
}
