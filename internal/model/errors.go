package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInsufficientCash     = errors.New("insufficient available cash")
	ErrInsufficientPosition = errors.New("insufficient available position")
	ErrOpenOrderExists      = errors.New("symbol already has an open order")
	ErrSymbolSuspended      = errors.New("symbol suspended pending reconciliation")
	ErrTerminalOrder        = errors.New("order is in a terminal state")
	ErrOrderNotFound        = errors.New("order not found")
	ErrCancelPending        = errors.New("cancel queued until broker acknowledgment")
	ErrNoReferencePrice     = errors.New("no reference price for symbol")
)

// ValidationError is a malformed or unaffordable intent, rejected before
// dispatch and never retried.
type ValidationError struct {
	Msg string
	Err error
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Msg: msg}
}

// Invalid wraps a sentinel as a ValidationError.
func Invalid(err error) *ValidationError {
	return &ValidationError{Msg: err.Error(), Err: err}
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }
func (e *ValidationError) Unwrap() error { return e.Err }

// TransientGatewayError is a network or timeout failure; the call may be retried.
type TransientGatewayError struct {
	Op  string
	Err error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("gateway %s: transient: %v", e.Op, e.Err)
}
func (e *TransientGatewayError) Unwrap() error { return e.Err }

// TerminalGatewayError is an explicit rejection by the broker.
type TerminalGatewayError struct {
	Op     string
	Reason string
}

func (e *TerminalGatewayError) Error() string {
	return fmt.Sprintf("gateway %s: rejected: %s", e.Op, e.Reason)
}

// StalePriceError lists held symbols whose price is missing or older than
// the staleness bound.
type StalePriceError struct {
	Symbols []string
}

func NewStalePriceError(symbols []string) *StalePriceError {
	s := append([]string(nil), symbols...)
	sort.Strings(s)
	return &StalePriceError{Symbols: s}
}

func (e *StalePriceError) Error() string {
	return "stale prices for " + strings.Join(e.Symbols, ",")
}

// Has reports whether symbol is among the stale ones.
func (e *StalePriceError) Has(symbol string) bool {
	i := sort.SearchStrings(e.Symbols, symbol)
	return i < len(e.Symbols) && e.Symbols[i] == symbol
}

// ReconciliationFault is a mismatch between local and broker order state.
// New orders for Symbol are halted until a status query resolves it.
type ReconciliationFault struct {
	Symbol  string
	OrderID string
	Msg     string
}

func (e *ReconciliationFault) Error() string {
	return fmt.Sprintf("reconciliation fault on %s (order %s): %s", e.Symbol, e.OrderID, e.Msg)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientGatewayError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}
