package engine

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dop251/goja"

	"stopgap-plts/internal/plerr"
)

// normalizeResult converts a settled handler result into the value returned
// to the host: nil for SQL NULL, or a structured blob decoded from the
// engine's JSON serialization. Values JSON cannot express fail loudly.
func (e *Engine) normalizeResult(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	serialized, err := e.helpers.serializeResult(goja.Undefined(), v)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindResultSerialization, plerr.StageNormalize, err,
			"result is not serializable")
	}
	if goja.IsUndefined(serialized) {
		return nil, plerr.New(plerr.KindResultSerialization, plerr.StageNormalize,
			"result serializes to undefined")
	}

	var out any
	if err := json.Unmarshal([]byte(serialized.String()), &out); err != nil {
		return nil, plerr.Wrap(plerr.KindResultSerialization, plerr.StageNormalize, err,
			"decode serialized result")
	}
	return out, nil
}

// settle resolves a handler return value that may be a promise. Bridge
// operations hand back already-resolved promises and the runtime drains the
// microtask queue before the outermost call returns, so a promise that is
// still pending here can never make progress.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, rejectionError(p.Result())
	default:
		return nil, plerr.New(plerr.KindExecution, plerr.StageExecute,
			"handler promise cannot settle: no pending host operation will resolve it")
	}
}

func rejectionError(reason goja.Value) error {
	if err := exportedError(reason); err != nil {
		return err
	}
	msg, stack := splitJSError(reason)
	pe := plerr.New(jsErrorKind(reason), plerr.StageExecute, "%s", msg)
	pe.Stack = stack
	return pe
}

// wrapJSError converts an error returned by the runtime into the surfaced
// taxonomy. Errors raised by internal ops pass through unchanged; plain JS
// exceptions become execution errors carrying the user-frame stack.
func wrapJSError(err error, stage plerr.Stage) error {
	var pe *plerr.Error
	if errors.As(err, &pe) {
		return pe
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if inner := exportedError(ex.Value()); inner != nil {
			return inner
		}
		msg, stack := splitJSError(ex.Value())
		if stack == "" {
			_, stack = splitExceptionString(ex.String())
		}
		wrapped := plerr.New(jsErrorKind(ex.Value()), stage, "%s", msg)
		wrapped.Stack = stack
		return wrapped
	}

	return plerr.Wrap(plerr.KindExecution, stage, err, "execution failed")
}

// exportedError digs a Go error out of a thrown value when the throw
// originated from an internal op.
func exportedError(v goja.Value) error {
	if v == nil {
		return nil
	}
	exported := v.Export()
	if obj, ok := v.(*goja.Object); ok {
		// internal ops throw GoError objects, which keep the Go error under "value"
		if inner := obj.Get("value"); inner != nil {
			if innerErr, isErr := inner.Export().(error); isErr {
				exported = innerErr
			}
		}
	}
	goErr, ok := exported.(error)
	if !ok {
		return nil
	}
	var pe *plerr.Error
	if errors.As(goErr, &pe) {
		return pe
	}
	return goErr
}

// jsErrorKind maps a thrown JS value to its taxonomy kind. Wrapper-raised
// validation failures are recognized by the error's name.
func jsErrorKind(v goja.Value) plerr.Kind {
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && name.String() == "ValidationError" {
			return plerr.KindValidation
		}
	}
	return plerr.KindExecution
}

// splitJSError extracts the message and stack of a thrown JS value.
func splitJSError(v goja.Value) (string, string) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String(), ""
	}
	msg := v.String()
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			msg = name.String() + ": " + m.String()
		} else {
			msg = m.String()
		}
	}
	var stack string
	if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
		_, stack = splitExceptionString(s.String())
	}
	return msg, stack
}

// splitExceptionString separates the first line of an exception rendering
// from the frame lines that follow it.
func splitExceptionString(s string) (string, string) {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i], strings.TrimRight(s[i+1:], "\n")
	}
	return s, ""
}
