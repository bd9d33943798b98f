package plerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"kind and message",
			New(KindCompile, StageCompile, "bad token"),
			"CompileError at stage compile: bad token",
		},
		{
			"limit kind",
			Limit(LimitRows, StageBridge, "query returned too many rows"),
			"LimitExceeded[rows] at stage bridge: query returned too many rows",
		},
		{
			"function identity",
			&Error{Kind: KindExecution, Stage: StageExecute, Message: "boom",
				Fn: FunctionID{OID: 42, Schema: "public", Name: "fn"}},
			"ExecutionError at stage execute in public.fn (oid=42): boom",
		},
		{
			"sql code",
			&Error{Kind: KindSQL, Stage: StageBridge, Message: "relation missing", SQLCode: "42P01"},
			"SqlError at stage bridge: relation missing (sqlstate 42P01)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithFnPreservesIdentity(t *testing.T) {
	fn := FunctionID{OID: 1, Schema: "a", Name: "b"}
	other := FunctionID{OID: 2, Schema: "c", Name: "d"}

	e := New(KindLoad, StageLoad, "x")
	if got := WithFn(e, fn); got.Fn != fn {
		t.Errorf("Fn = %v, want %v", got.Fn, fn)
	}
	if got := WithFn(e, other); got.Fn != fn {
		t.Errorf("Fn = %v, want first identity %v kept", got.Fn, fn)
	}
}

func TestWithFnWrapsPlainErrors(t *testing.T) {
	cause := errors.New("socket closed")
	got := WithFn(cause, FunctionID{OID: 7})
	if got.Fn.OID != 7 {
		t.Errorf("Fn.OID = %d, want 7", got.Fn.OID)
	}
	if got.Kind != KindExecution {
		t.Errorf("Kind = %s, want ExecutionError", got.Kind)
	}
	if !errors.Is(got, cause) {
		t.Error("wrapped error lost its cause")
	}
}

func TestUnwrapThroughWraps(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := fmt.Errorf("outer: %w", Wrap(KindSQL, StageBridge, cause, "query failed"))

	var pe *Error
	if !errors.As(wrapped, &pe) {
		t.Fatal("errors.As failed to find *Error")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is failed to reach the cause")
	}
	if KindOf(wrapped) != KindSQL {
		t.Errorf("KindOf = %s, want SqlError", KindOf(wrapped))
	}
}

func TestPoisonPredicates(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		poisons bool
	}{
		{"runtime limit", Limit(LimitRuntimeMS, StageExecute, "t"), true},
		{"memory limit", Limit(LimitMemory, StageExecute, "m"), true},
		{"cancelled", New(KindCancelled, StageExecute, "c"), true},
		{"rows limit", Limit(LimitRows, StageBridge, "r"), false},
		{"sql error", New(KindSQL, StageBridge, "s"), false},
		{"execution error", New(KindExecution, StageExecute, "e"), false},
		{"plain error", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Poisons(tt.err); got != tt.poisons {
				t.Errorf("Poisons = %v, want %v", got, tt.poisons)
			}
		})
	}
}
