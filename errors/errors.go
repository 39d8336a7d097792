// Package errors is the one error-handling surface the kernel, bridges,
// and drivers build on: DriverError, CommandError, and KernelError (see
// taxonomy.go) all wrap a cause created or annotated through this
// package rather than the bare standard library errors package.
//
// It re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging a failed dispatch or precondition check
//   - Error wrapping and context as a change moves runtime -> kernel -> driver
//   - PII-safe error formatting (a ContactChange's Value is never stack-traced)
//   - Network portability, for when a bridge proxies a remote peer's error
//   - Sentry integration
//
// Usage:
//
//	// Create new error
//	err := errors.New("contact not found")
//
//	// Wrap with context
//	if err := driver.HandleChange(ctx, change); err != nil {
//	    return errors.Wrap(err, "dispatch to bridge failed")
//	}
//
//	// Add hints for operators
//	return errors.WithHint(err, "check the driver's RequiredDriverVersion constraint")
//
//	// Check errors
//	var driverErr *DriverError
//	if errors.As(err, &driverErr) && driverErr.Fatal {
//	    // abort dispatch rather than continue to the next driver
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint          = crdb.WithHint
	WithHintf         = crdb.WithHintf
	WithDetail        = crdb.WithDetail
	WithDetailf       = crdb.WithDetailf
	WithSafeDetails   = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll = crdb.UnwrapAll
	GetAllHints = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Advanced features
var (
	Handled            = crdb.Handled
	HandledWithMessage = crdb.HandledWithMessage
	WithDomain         = crdb.WithDomain
	GetDomain          = crdb.GetDomain
	WithContextTags    = crdb.WithContextTags
	EncodeError        = crdb.EncodeError
	DecodeError        = crdb.DecodeError
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions and panics
var (
	AssertionFailedf  = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Common sentinel errors can be defined like:
//   var ErrNotFound = errors.New("not found")
//   var ErrClosed = errors.New("closed")
