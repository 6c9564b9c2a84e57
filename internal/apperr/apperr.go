package apperr

import (
	"errors"
	"fmt"
)

// ValidationError is a missing or malformed user input. No state changes on it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Validation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// ConnectivityError means no wallet connection or identity is established.
type ConnectivityError struct {
	Msg string
}

func (e *ConnectivityError) Error() string { return "connectivity: " + e.Msg }

func Connectivity(msg string) error {
	return &ConnectivityError{Msg: msg}
}

type ServiceKind string

const (
	KindCancelled         ServiceKind = "cancelled"
	KindInsufficientFunds ServiceKind = "insufficient_funds"
	KindGeneric           ServiceKind = "generic"
)

// ServiceError is a failure of the extraction or wallet backend.
type ServiceError struct {
	Kind ServiceKind
	Op   string
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func Service(op string, kind ServiceKind, err error) error {
	return &ServiceError{Op: op, Kind: kind, Err: err}
}

// StaleReadError is returned when a job seen in a cached view is gone from the store.
type StaleReadError struct {
	OrderID string
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("job %s is no longer in the store", e.OrderID)
}

func StaleRead(orderID string) error {
	return &StaleReadError{OrderID: orderID}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func IsStaleRead(err error) bool {
	var se *StaleReadError
	return errors.As(err, &se)
}

// KindOf returns the service error kind of err, or "" when err is not a ServiceError.
func KindOf(err error) ServiceKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
