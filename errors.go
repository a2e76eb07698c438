package registrycore

import (
	"errors"
	"fmt"
)

// Kind classifies a registry error so callers can branch on stable tags
// instead of matching error strings.
type Kind string

const (
	KindValidation        Kind = "Validation"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindUnauthorized      Kind = "Unauthorized"
	KindDuplicatesPending Kind = "DuplicatesPending"
	KindIntegrity         Kind = "Integrity"
	KindTransport         Kind = "Transport"
	KindStorage           Kind = "Storage"
)

// Error is the typed error carried through the command pipeline and the
// sync engine. Message is human-readable; Context carries the offending
// identifiers (entity_guid, event_guid, cursor, ...).
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Err     error
	code    string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable string code spec §6 requires callers be able to
// branch on. It defaults to a per-Kind mapping and can be overridden at
// construction time (withCode) for Kinds that cover more than one code.
func (e *Error) Code() string {
	if e.code != "" {
		return e.code
	}
	switch e.Kind {
	case KindUnauthorized:
		return CodeUnauthorized
	case KindDuplicatesPending:
		return CodeDuplicatesPending
	case KindNotFound:
		return CodeEntityNotFound
	case KindConflict:
		return CodeConflict
	case KindStorage:
		return CodeStorageUnavailable
	case KindTransport:
		return CodeTransportFailure
	case KindIntegrity:
		return CodeIntegrityViolation
	case KindValidation:
		return CodeInvalidOperation
	}
	return ""
}

func withCode(err *Error, code string) *Error {
	err.code = code
	return err
}

// KindOf extracts the Kind tag from err, returning "" if err is not one of
// ours (or is nil). Used by the Sync Engine to decide what is retriable.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func newError(kind Kind, msg string, err error, ctx map[string]string) *Error {
	return &Error{Kind: kind, Message: msg, Context: ctx, Err: err}
}

func validationErr(msg string, ctx map[string]string) *Error {
	return newError(KindValidation, msg, nil, ctx)
}

func notFoundErr(msg string, ctx map[string]string) *Error {
	return newError(KindNotFound, msg, nil, ctx)
}

func conflictErr(msg string, ctx map[string]string) *Error {
	return newError(KindConflict, msg, nil, ctx)
}

func storageErr(msg string, err error, ctx map[string]string) *Error {
	return newError(KindStorage, msg, err, ctx)
}

func transportErr(msg string, err error, ctx map[string]string) *Error {
	return newError(KindTransport, msg, err, ctx)
}

func integrityErr(msg string, ctx map[string]string) *Error {
	return newError(KindIntegrity, msg, nil, ctx)
}

func unauthorizedErr(msg string, ctx map[string]string) *Error {
	return newError(KindUnauthorized, msg, nil, ctx)
}

func duplicatesPendingErr(ctx map[string]string) *Error {
	return newError(KindDuplicatesPending, "sync blocked by unresolved duplicate pairs", nil, ctx)
}

// Stable string error codes surfaced to callers per spec §6, returned by
// Error.Code().
const (
	CodeUnauthorized       = "Unauthorized"
	CodeDuplicatesPending  = "DuplicatesPending"
	CodeUnknownEventType   = "UnknownEventType"
	CodeInvalidOperation   = "InvalidOperation"
	CodeEntityNotFound     = "EntityNotFound"
	CodeConflict           = "Conflict"
	CodeStorageUnavailable = "StorageUnavailable"
	CodeTransportFailure   = "TransportFailure"
	CodeIntegrityViolation = "IntegrityViolation"
)
