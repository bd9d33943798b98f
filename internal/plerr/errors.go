// Package plerr defines the user-visible error taxonomy of the PLTS runtime.
//
// Every failure that crosses the host boundary is a *Error carrying the kind,
// the pipeline stage it was raised from, and the identity of the function
// being executed. Helper predicates mirror errors.Is-style checks.
package plerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a user-visible error category.
type Kind string

const (
	KindCompile             Kind = "CompileError"
	KindLoad                Kind = "LoadError"
	KindImportNotSupported  Kind = "ImportNotSupported"
	KindEntrypoint          Kind = "EntrypointError"
	KindArgConversion       Kind = "ArgConversionError"
	KindSQL                 Kind = "SqlError"
	KindLimitExceeded       Kind = "LimitExceeded"
	KindCancelled           Kind = "Cancelled"
	KindResultSerialization Kind = "ResultSerializationError"
	KindValidation          Kind = "ValidationError"
	KindExecution           Kind = "ExecutionError"
)

// Stage labels the pipeline stage an error was raised from.
type Stage string

const (
	StageCompile   Stage = "compile"
	StageLoad      Stage = "load"
	StageExecute   Stage = "execute"
	StageBridge    Stage = "bridge"
	StageNormalize Stage = "normalize"
)

// LimitKind names the limit that a LimitExceeded error tripped.
type LimitKind string

const (
	LimitSQLBytes  LimitKind = "sql_bytes"
	LimitParams    LimitKind = "params"
	LimitRows      LimitKind = "rows"
	LimitMemory    LimitKind = "memory"
	LimitRuntimeMS LimitKind = "runtime_ms"
)

// Diagnostic is a single compiler diagnostic attached to a CompileError.
type Diagnostic struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

// FunctionID identifies the function a call was executing.
type FunctionID struct {
	OID    uint32
	Schema string
	Name   string
}

func (f FunctionID) String() string {
	if f.Schema == "" && f.Name == "" {
		return fmt.Sprintf("oid=%d", f.OID)
	}
	return fmt.Sprintf("%s.%s (oid=%d)", f.Schema, f.Name, f.OID)
}

// Error is the wrapped form every core failure is surfaced as.
type Error struct {
	Kind        Kind
	Stage       Stage
	Message     string
	Stack       string // user-frame focused JS stack, when available
	Fn          FunctionID
	Limit       LimitKind    // set for KindLimitExceeded
	SQLCode     string       // host error code, set for KindSQL
	Diagnostics []Diagnostic // set for KindCompile
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Kind)
	if e.Limit != "" {
		fmt.Fprintf(&b, "[%s]", e.Limit)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " at stage %s", e.Stage)
	}
	if e.Fn != (FunctionID{}) {
		fmt.Fprintf(&b, " in %s", e.Fn)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.SQLCode != "" {
		fmt.Fprintf(&b, " (sqlstate %s)", e.SQLCode)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind at the given stage.
func New(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, stage Stage, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...), Err: err}
}

// Limit creates a LimitExceeded error for the named limit.
func Limit(limit LimitKind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: KindLimitExceeded, Stage: stage, Limit: limit, Message: fmt.Sprintf(format, args...)}
}

// WithFn attaches function identity to an error, preserving existing identity.
// Non-*Error values are wrapped as execute-stage internal failures first.
func WithFn(err error, fn FunctionID) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Fn == (FunctionID{}) {
			pe.Fn = fn
		}
		return pe
	}
	return &Error{Kind: KindExecution, Stage: StageExecute, Message: err.Error(), Fn: fn, Err: err}
}

// KindOf extracts the Kind of err, or "" when err is not a runtime error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err is a runtime_ms limit failure.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindLimitExceeded && pe.Limit == LimitRuntimeMS
}

// IsMemory reports whether err is a heap limit failure.
func IsMemory(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindLimitExceeded && pe.Limit == LimitMemory
}

// IsCancelled reports whether err is a host cancellation.
func IsCancelled(err error) bool {
	return Is(err, KindCancelled)
}

// Poisons reports whether an execution failure must discard the isolate.
func Poisons(err error) bool {
	return IsCancelled(err) || IsTimeout(err) || IsMemory(err)
}
