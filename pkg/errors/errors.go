package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"stock-ledger/internal/domain"
)

// StandardError represents a standardized error response
type StandardError struct {
	Code    string                 `json:"error"`          // Error code/type (e.g., "InvalidRequest", "InsufficientStock")
	Message string                 `json:"message"`        // Human-readable error message
	Details string                 `json:"details"`        // Additional details (field name, validation info, etc.)
	Meta    map[string]interface{} `json:"meta,omitempty"` // Machine-readable details, e.g. available vs requested
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return e.Message
}

// HTTPStatus returns the appropriate HTTP status code for the error
func (e *StandardError) HTTPStatus() int {
	switch e.Code {
	case "InvalidRequest", "ValidationError", "InvalidArgument":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusUnauthorized
	case "NotFound", "OrderNotFound", "ResourceNotFound":
		return http.StatusNotFound
	case "InsufficientStock", "OrderFailed", "AlreadyTerminal", "Conflict":
		return http.StatusConflict
	case "StoreUnavailable", "BrokerConnectionError", "ServiceUnavailable":
		return http.StatusServiceUnavailable
	case "ConsistencyViolation", "SerializationError", "InternalError":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewStandardError creates a new StandardError
func NewStandardError(errorCode, message, details string) *StandardError {
	return &StandardError{
		Code:    errorCode,
		Message: message,
		Details: details,
	}
}

// Common error constructors
func NewInvalidRequest(message, details string) *StandardError {
	return NewStandardError("InvalidRequest", message, details)
}

func NewValidationError(message, field string) *StandardError {
	return NewStandardError("ValidationError", message, fmt.Sprintf("Field: %s", field))
}

func NewNotFound(what, id string) *StandardError {
	return NewStandardError("NotFound", what+" not found", fmt.Sprintf("ID: %s", id))
}

func NewUnauthorized(message, details string) *StandardError {
	return NewStandardError("Unauthorized", message, details)
}

func NewInternalError(message string, err error) *StandardError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewStandardError("InternalError", message, details)
}

// FromDomain maps any error returned by the ledger, notification service or
// orchestrator to a response error. A consistency violation anywhere in the
// chain wins over the outer kind.
func FromDomain(err error) *StandardError {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se
	}

	if stderrors.Is(err, domain.ErrConsistencyViolation) {
		return NewStandardError(string(domain.KindConsistencyViolation), "internal consistency violation", err.Error())
	}

	var de *domain.DomainError
	if !stderrors.As(err, &de) {
		return NewInternalError("internal server error", err)
	}

	out := NewStandardError(string(de.Kind), de.Message, "")
	switch de.Kind {
	case domain.KindInsufficientStock, domain.KindOrderFailed:
		if de.ProductID != "" {
			out.Message = "insufficient stock available"
			out.Details = fmt.Sprintf("Product: %s, Available: %d, Requested: %d", de.ProductID, de.Available, de.Requested)
			out.Meta = map[string]interface{}{
				"productId": de.ProductID,
				"available": de.Available,
				"requested": de.Requested,
			}
		}
	case domain.KindStoreUnavailable:
		out.Message = "store temporarily unavailable, retry later"
		if de.Err != nil {
			out.Details = de.Err.Error()
		}
	}
	return out
}
