package service

import (
	"errors"
	"fmt"
	"net/http"

	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"
)

// Kind classifies service errors for the HTTP layer.
type Kind string

const (
	KindAuth              Kind = "AUTH"
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindProvider          Kind = "PROVIDER"
	KindInternal          Kind = "INTERNAL"
)

// Error is returned by every service operation that fails for a reason the
// caller should see. Details carries structured fields (shortfall, refund
// window, ...) that the handler puts into the response data.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindConflict, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides causes of internal failures.
func (e *Error) PublicMessage() string {
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func conflict(msg string, details map[string]interface{}) *Error {
	return &Error{Kind: KindConflict, Message: msg, Details: details}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// providerError wraps a failed gateway call. Token failures are AUTH, the
// rest PROVIDER.
func providerError(op string, err error) *Error {
	var authErr *mpesa.AuthError
	if errors.As(err, &authErr) {
		return &Error{Kind: KindAuth, Message: "payment provider authentication failed", Err: err}
	}
	msg := fmt.Sprintf("payment provider rejected %s", op)
	var callErr *mpesa.CallError
	if errors.As(err, &callErr) && callErr.ErrorMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, callErr.ErrorMessage)
	}
	return &Error{Kind: KindProvider, Message: msg, Err: err}
}

// AsError converts any error into a service Error, mapping the repository
// sentinels that can surface from a unit of work.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return notFound("order not found")
	case errors.Is(err, repository.ErrTransactionNotFound):
		return notFound("transaction not found")
	case errors.Is(err, repository.ErrRefundNotFound):
		return notFound("refund request not found")
	case errors.Is(err, repository.ErrUserNotFound):
		return notFound("user not found")
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		return conflict("order status does not allow this operation", nil)
	case errors.Is(err, repository.ErrRefundStatusInvalid):
		return conflict("refund request was already processed", nil)
	case errors.Is(err, repository.ErrTransactionNotPending):
		return conflict("transaction was already settled", nil)
	case errors.Is(err, repository.ErrDuplicateReceipt):
		return conflict("receipt is already recorded on another transaction", nil)
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return &Error{Kind: KindInsufficientFunds, Message: "insufficient wallet balance", Err: err}
	}
	return internal("unexpected failure", err)
}
