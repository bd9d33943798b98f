// Package engine runs compiled function programs inside an embedded
// JavaScript isolate. One engine serves one backend; its bootstrap is lazy
// and static, and a terminated execution poisons the isolate so the next
// call starts from a fresh one.
package engine

import (
	"context"
	"errors"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"stopgap-plts/internal/args"
	"stopgap-plts/internal/bridge"
	enginejs "stopgap-plts/internal/engine/js"
	"stopgap-plts/internal/host"
	"stopgap-plts/internal/plerr"
	"stopgap-plts/internal/program"
)

// State is the isolate lifecycle position.
type State int

const (
	StateUnbootstrapped State = iota
	StateReady
	StateExecuting
	StatePoisoned
)

func (s State) String() string {
	switch s {
	case StateUnbootstrapped:
		return "unbootstrapped"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StatePoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Limits bound one execution inside the engine.
type Limits struct {
	RuntimeMS    int64 // 0 means unbounded
	MaxHeapBytes int64 // 0 means uncapped
}

// Invocation is everything one call needs.
type Invocation struct {
	Program         *program.Program
	Args            *args.Mapped
	Tx              host.Tx
	Limits          Limits
	BridgeLimits    bridge.Limits
	Interrupts      host.Interrupts
	ExecID          string
	ResolveArtifact func(hash string) (string, error)
}

type helpers struct {
	makeCtx         goja.Callable
	serializeResult goja.Callable
}

type invocationState struct {
	ctx             context.Context
	bridge          *bridge.Bridge
	importMap       map[string]string
	resolveArtifact func(string) (string, error)
}

// Engine hosts the isolate. Not safe for concurrent Invoke; a backend runs
// one call at a time, and only the watchdog touches the runtime from another
// goroutine, through the interrupt API.
type Engine struct {
	log     zerolog.Logger
	state   State
	vm      *goja.Runtime
	helpers helpers
	modules map[string]*moduleRecord
	current *invocationState
}

// New returns an engine in the unbootstrapped state.
func New(log zerolog.Logger) *Engine {
	return &Engine{log: log, state: StateUnbootstrapped}
}

// State reports the lifecycle position.
func (e *Engine) State() State { return e.state }

var (
	lockdownProg  = goja.MustCompile("plts:lockdown", enginejs.Lockdown, false)
	bootstrapProg = goja.MustCompile("plts:bootstrap", enginejs.Bootstrap, false)
)

const internalOpsName = "__plts_internal_ops"

// bootstrap builds a fresh isolate: internal ops pinned under a hidden
// global, the lockdown script, and the glue helpers. Nothing here may close
// over invocation state.
func (e *Engine) bootstrap() error {
	vm := goja.New()
	e.vm = vm
	e.modules = make(map[string]*moduleRecord)

	ops := vm.NewObject()
	if err := ops.Set("db_query", e.opDBQuery); err != nil {
		return plerr.Wrap(plerr.KindExecution, plerr.StageExecute, err, "install db_query")
	}
	if err := ops.Set("db_exec", e.opDBExec); err != nil {
		return plerr.Wrap(plerr.KindExecution, plerr.StageExecute, err, "install db_exec")
	}
	if err := vm.GlobalObject().DefineDataProperty(
		internalOpsName, ops, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE,
	); err != nil {
		return plerr.Wrap(plerr.KindExecution, plerr.StageExecute, err, "pin internal ops")
	}
	if _, err := vm.RunString("Object.freeze(" + internalOpsName + ");"); err != nil {
		return plerr.Wrap(plerr.KindExecution, plerr.StageExecute, err, "freeze internal ops")
	}

	if _, err := vm.RunProgram(lockdownProg); err != nil {
		return wrapJSError(err, plerr.StageExecute)
	}

	bootVal, err := vm.RunProgram(bootstrapProg)
	if err != nil {
		return wrapJSError(err, plerr.StageExecute)
	}
	bootFn, ok := goja.AssertFunction(bootVal)
	if !ok {
		return plerr.New(plerr.KindExecution, plerr.StageExecute, "bootstrap glue is not callable")
	}
	helperVal, err := bootFn(goja.Undefined(), ops)
	if err != nil {
		return wrapJSError(err, plerr.StageExecute)
	}
	helperObj, ok := helperVal.(*goja.Object)
	if !ok {
		return plerr.New(plerr.KindExecution, plerr.StageExecute, "bootstrap glue returned no helpers")
	}
	if e.helpers.makeCtx, ok = goja.AssertFunction(helperObj.Get("makeCtx")); !ok {
		return plerr.New(plerr.KindExecution, plerr.StageExecute, "makeCtx helper missing")
	}
	if e.helpers.serializeResult, ok = goja.AssertFunction(helperObj.Get("serializeResult")); !ok {
		return plerr.New(plerr.KindExecution, plerr.StageExecute, "serializeResult helper missing")
	}

	e.state = StateReady
	e.log.Debug().Msg("isolate bootstrapped")
	return nil
}

// discard drops the isolate so the next invocation bootstraps a fresh one.
func (e *Engine) discard() {
	e.vm = nil
	e.modules = nil
	e.helpers = helpers{}
	e.current = nil
	e.state = StateUnbootstrapped
}

// Invoke runs one call to completion. Recursive invocation from inside a
// running handler is rejected.
func (e *Engine) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	if e.state == StateExecuting {
		return nil, plerr.WithFn(plerr.New(plerr.KindExecution, plerr.StageExecute,
			"recursive invocation is not allowed"), inv.Program.Fn)
	}
	if e.state == StatePoisoned {
		e.discard()
	}
	if e.state == StateUnbootstrapped {
		if err := e.bootstrap(); err != nil {
			e.discard()
			return nil, plerr.WithFn(err, inv.Program.Fn)
		}
	}

	out, err := e.run(ctx, inv)
	if err != nil {
		return nil, plerr.WithFn(err, inv.Program.Fn)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, inv *Invocation) (any, error) {
	importMap, err := parseImportMap(inv.Program.CompiledJS)
	if err != nil {
		return nil, err
	}

	e.current = &invocationState{
		ctx:             ctx,
		importMap:       importMap,
		resolveArtifact: inv.ResolveArtifact,
	}
	defer func() { e.current = nil }()

	exports, err := e.loadModule(entryKey(inv.Program.ArtifactHash, inv.Program.CompiledJS), inv.Program.CompiledJS)
	if err != nil {
		return nil, err
	}

	exportName := inv.Program.Export
	if exportName == "" {
		exportName = "default"
	}
	handlerVal := exports.Get(exportName)
	if handlerVal == nil || goja.IsUndefined(handlerVal) || goja.IsNull(handlerVal) {
		return nil, plerr.New(plerr.KindEntrypoint, plerr.StageLoad,
			"module has no %q export", exportName)
	}
	handler, ok := goja.AssertFunction(handlerVal)
	if !ok {
		return nil, plerr.New(plerr.KindEntrypoint, plerr.StageLoad,
			"%q export is not callable", exportName)
	}

	mode := bridge.ModeReadWrite
	if obj, ok := handlerVal.(*goja.Object); ok {
		if kind := obj.Get("__stopgap_kind"); kind != nil && kind.String() == "query" {
			mode = bridge.ModeReadOnly
		}
	}
	e.current.bridge = bridge.New(inv.Tx, mode, inv.BridgeLimits)

	ctxObj, err := e.buildCtx(inv)
	if err != nil {
		return nil, err
	}

	wd := newWatchdog()
	wd.arm(inv.Limits.RuntimeMS)
	go wd.run(e.vm, inv.Interrupts, inv.Limits.MaxHeapBytes, heapInUse())
	defer wd.stop()

	e.state = StateExecuting
	result, callErr := handler(goja.Undefined(), ctxObj)
	e.vm.ClearInterrupt()

	if callErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(callErr, &interrupted) {
			if termErr := wd.terminationError(inv.Limits); termErr != nil {
				e.state = StatePoisoned
				e.log.Warn().Str("reason", termErr.Error()).Msg("isolate poisoned")
				return nil, termErr
			}
		}
		e.state = StateReady
		return nil, wrapJSError(callErr, plerr.StageExecute)
	}

	settled, err := settle(result)
	if err != nil {
		e.state = StateReady
		if plerr.Poisons(err) {
			e.state = StatePoisoned
		}
		return nil, err
	}

	out, err := e.normalizeResult(settled)
	e.state = StateReady
	return out, err
}

// buildCtx assembles the invocation context handed to the handler.
func (e *Engine) buildCtx(inv *Invocation) (goja.Value, error) {
	var argsValue any
	if inv.Args != nil {
		if inv.Args.Structured {
			argsValue = inv.Args.Value
		} else {
			argsValue = map[string]any{
				"positional": inv.Args.Positional,
				"named":      inv.Args.Named,
			}
		}
	}
	payload := map[string]any{
		"args":   argsValue,
		"oid":    inv.Program.Fn.OID,
		"schema": inv.Program.Fn.Schema,
		"name":   inv.Program.Fn.Name,
		"execId": inv.ExecID,
	}
	ctxObj, err := e.helpers.makeCtx(goja.Undefined(), e.vm.ToValue(payload))
	if err != nil {
		return nil, wrapJSError(err, plerr.StageExecute)
	}
	return ctxObj, nil
}

func (e *Engine) opDBQuery(call goja.FunctionCall) goja.Value {
	cur := e.current
	if cur == nil || cur.bridge == nil {
		panic(e.vm.NewGoError(plerr.New(plerr.KindExecution, plerr.StageBridge, "no active invocation")))
	}
	req, err := bridge.Normalize(call.Argument(0).Export(), call.Argument(1).Export(), call.Argument(2).ToBoolean())
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	rows, err := cur.bridge.Query(cur.ctx, req)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(rows)
}

func (e *Engine) opDBExec(call goja.FunctionCall) goja.Value {
	cur := e.current
	if cur == nil || cur.bridge == nil {
		panic(e.vm.NewGoError(plerr.New(plerr.KindExecution, plerr.StageBridge, "no active invocation")))
	}
	req, err := bridge.Normalize(call.Argument(0).Export(), call.Argument(1).Export(), call.Argument(2).ToBoolean())
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	affected, err := cur.bridge.Exec(cur.ctx, req)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(affected)
}
