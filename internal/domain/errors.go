package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies request failures so the transport layer can map
// them to status codes without string matching.
type ErrorKind string

const (
	KindInvalidInput           ErrorKind = "invalid_input"
	KindDuplicateActiveRequest ErrorKind = "duplicate_active_request"
	KindWaitingAreaFull        ErrorKind = "waiting_area_full"
	KindNotInWaiting           ErrorKind = "not_in_waiting"
	KindNoActiveSession        ErrorKind = "no_active_session"
	KindNotFound               ErrorKind = "not_found"
	KindPileNotFound           ErrorKind = "pile_not_found"
	KindInvalidDispatchPolicy  ErrorKind = "invalid_dispatch_policy"
	KindPileProtocolViolation  ErrorKind = "pile_protocol_violation"
	KindTariffDomain           ErrorKind = "tariff_domain_error"
	KindPersistenceFailure     ErrorKind = "persistence_failure"
	KindInternal               ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error while keeping the
// cause reachable through errors.Is/As.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from any error in the chain, or KindInternal
// when the error carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
