package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindValidation
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindConflict
	KindOrderPersistence
	KindPaymentProvider
	KindPaymentNotCompleted
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindOrderPersistence:
		return "order_persistence"
	case KindPaymentProvider:
		return "payment_provider"
	case KindPaymentNotCompleted:
		return "payment_not_completed"
	}
	return "internal"
}

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op, msg string) error { return New(KindConfiguration, op, msg) }
func Validation(op, msg string) error    { return New(KindValidation, op, msg) }
func NotFound(op, msg string) error      { return New(KindNotFound, op, msg) }

func OrderPersistence(op string, err error) error {
	return Wrap(KindOrderPersistence, op, err)
}

func PaymentProvider(op string, err error) error {
	return Wrap(KindPaymentProvider, op, err)
}

func PaymentNotCompleted(op, status string) error {
	return New(KindPaymentNotCompleted, op, "payment not completed (status "+status+")")
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the text shown to clients. Internal errors are not echoed.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	if (e.Kind == KindOrderPersistence || e.Kind == KindPaymentProvider) && e.Err != nil {
		return e.Err.Error()
	}
	if e.Msg == "" {
		return "Internal server error"
	}
	return e.Msg
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindPaymentNotCompleted:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindPaymentProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
