// Package errors provides error handling for supertask.
//
// It re-exports github.com/cockroachdb/errors so every package wraps, marks
// and inspects errors the same way, and it declares the sentinel errors the
// scheduler, the stores and the seed reconciler agree on.
//
// Backends mark transient failures instead of replacing them, so the driver
// cause stays visible while callers test with Is:
//
//	if err != nil {
//	    return errors.Mark(errors.Wrap(err, "claim due jobs"), errors.ErrStoreUnavailable)
//	}
//
//	if errors.Is(err, errors.ErrStoreUnavailable) {
//	    // back off and retry
//	}
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
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors shared by the trigger model, the stores and the reconciler.
// Wrap them to add context; test with Is.
var (
	// ErrInvalidTriggerSyntax reports a cron expression that cannot be parsed.
	ErrInvalidTriggerSyntax = New("invalid trigger syntax")

	// ErrTriggerExhausted reports a trigger with no occurrence inside the search horizon.
	ErrTriggerExhausted = New("trigger exhausted")

	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = New("not found")

	// ErrVersionConflict indicates an optimistic concurrency check failed
	ErrVersionConflict = New("version conflict")

	// ErrInvalidJobDefinition reports a job declaration that failed validation.
	ErrInvalidJobDefinition = New("invalid job definition")

	// ErrInvalidNamespace reports an explicit namespace with forbidden characters.
	ErrInvalidNamespace = New("invalid namespace")

	// ErrStoreUnavailable marks transient connectivity or timeout failures of a job store.
	ErrStoreUnavailable = New("store unavailable")

	// ErrSeedSourceUnreachable marks a seed document that could not be fetched.
	ErrSeedSourceUnreachable = New("seed source unreachable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrVersionConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrVersionConflict)
}

// IsUnavailableError checks if an error is or wraps ErrStoreUnavailable.
func IsUnavailableError(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// IsInvalidError reports whether err is a caller mistake: bad trigger, bad
// definition or bad namespace.
func IsInvalidError(err error) bool {
	return err != nil && IsAny(err, ErrInvalidTriggerSyntax, ErrInvalidJobDefinition, ErrInvalidNamespace)
}
