// Package backend composes the runtime for one database connection: a
// program loader, an argument mapper, and an engine, driven by the call
// handler. A backend serves one client connection and runs one call at a
// time.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stopgap-plts/internal/args"
	"stopgap-plts/internal/bridge"
	"stopgap-plts/internal/config"
	"stopgap-plts/internal/engine"
	"stopgap-plts/internal/host"
	"stopgap-plts/internal/monitor"
	"stopgap-plts/internal/plerr"
	"stopgap-plts/internal/program"
)

// Call is one function invocation as delivered by the host.
type Call struct {
	Tx    host.Tx
	FnOID uint32
	Args  []args.Value
}

// Backend is the per-connection composition root.
type Backend struct {
	log        zerolog.Logger
	cfg        *config.Config
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	loader     *program.Loader
	descs      *args.DescriptorCache
	engine     *engine.Engine
	interrupts host.Interrupts
	busy       bool
}

// New builds a backend from process configuration. The metrics registry may
// be shared across backends; everything else is per-connection state.
func New(log zerolog.Logger, cfg *config.Config, metrics *monitor.Metrics, interrupts host.Interrupts) *Backend {
	if interrupts == nil {
		interrupts = host.NoInterrupts{}
	}
	cacheCfg := program.CacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		TTL:        cfg.Cache.TTL,
	}
	b := &Backend{
		log:        log,
		cfg:        cfg,
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
		loader:     program.NewLoader(cacheCfg),
		descs:      args.NewDescriptorCache(cfg.Cache.TTL),
		engine:     engine.New(log),
		interrupts: interrupts,
	}
	if metrics != nil {
		b.loader.OnCacheEvent = metrics.RecordCacheEvent
	}
	return b
}

// callLimits is the resolved, immutable tunable set for one call.
type callLimits struct {
	runtimeMS    int64
	maxHeapBytes int64
	bridge       bridge.Limits
	logLevel     zerolog.Level
}

// Invoke runs one call through the handler pipeline: load the program, map
// the arguments, execute, and return the normalized result.
func (b *Backend) Invoke(ctx context.Context, call Call) (any, error) {
	if b.busy {
		return nil, plerr.New(plerr.KindExecution, plerr.StageExecute,
			"backend already has an active call")
	}
	b.busy = true
	defer func() { b.busy = false }()

	execID := uuid.NewString()
	limits := b.resolveLimits(ctx, call.Tx)

	log := b.log.Level(limits.logLevel).With().
		Uint32("fn_oid", call.FnOID).
		Str("exec_id", execID).
		Logger()

	ctx, span := b.tracer.StartSpan(ctx, "invoke",
		monitor.AttrExecID.String(execID),
		monitor.AttrFunctionOID.Int64(int64(call.FnOID)),
	)
	defer span.End()

	log.Debug().Msg("call started")
	start := time.Now()
	if b.metrics != nil {
		b.metrics.ActiveExecutions.Inc()
		defer b.metrics.ActiveExecutions.Dec()
	}

	out, err := b.invoke(ctx, call, limits, execID)
	elapsed := time.Since(start)

	if err != nil {
		b.recordFailure(log, err, elapsed)
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.RecordExecution("success", elapsed.Seconds())
	}
	log.Debug().Dur("elapsed", elapsed).Msg("call completed")
	return out, nil
}

func (b *Backend) invoke(ctx context.Context, call Call, limits callLimits, execID string) (any, error) {
	p, err := b.loader.Load(ctx, call.Tx, call.FnOID)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.CompiledSizeBytes.Observe(float64(len(p.CompiledJS)))
	}

	desc := b.descs.Get(call.FnOID, p.ArgTypeOIDs, p.ArgNames, p.ReturnOID)
	mapped, err := desc.Map(call.Args)
	if err != nil {
		return nil, plerr.WithFn(err, p.Fn)
	}

	return b.engine.Invoke(ctx, &engine.Invocation{
		Program: p,
		Args:    mapped,
		Tx:      call.Tx,
		Limits: engine.Limits{
			RuntimeMS:    limits.runtimeMS,
			MaxHeapBytes: limits.maxHeapBytes,
		},
		BridgeLimits: limits.bridge,
		Interrupts:   b.interrupts,
		ExecID:       execID,
		ResolveArtifact: func(hash string) (string, error) {
			return b.loader.Hydrate(ctx, call.Tx, hash)
		},
	})
}

func (b *Backend) recordFailure(log zerolog.Logger, err error, elapsed time.Duration) {
	if b.metrics != nil {
		b.metrics.RecordExecution("error", elapsed.Seconds())
	}
	var pe *plerr.Error
	if errors.As(err, &pe) {
		if b.metrics != nil {
			b.metrics.RecordError(string(pe.Stage))
		}
		log.Warn().
			Str("kind", string(pe.Kind)).
			Str("stage", string(pe.Stage)).
			Dur("elapsed", elapsed).
			Msg("call failed")
		return
	}
	log.Warn().Err(err).Dur("elapsed", elapsed).Msg("call failed")
}

// resolveLimits reads the per-call tunables at call entry: database settings
// take precedence, the process configuration supplies fallbacks. The result
// is immutable for the duration of the call.
func (b *Backend) resolveLimits(ctx context.Context, tx host.Tx) callLimits {
	cfg := b.cfg.Limits

	var stmtMS int64
	if raw, ok := host.Setting(ctx, tx, "statement_timeout"); ok {
		stmtMS, _ = host.ParseDurationMS(raw)
	}
	maxRuntimeMS := cfg.MaxRuntimeMS
	if raw, ok := host.Setting(ctx, tx, "plts.max_runtime_ms"); ok {
		if ms, ok := host.ParseDurationMS(raw); ok {
			maxRuntimeMS = ms
		}
	}

	maxHeapBytes := cfg.MaxHeapMB << 20
	if raw, ok := host.Setting(ctx, tx, "plts.max_heap_mb"); ok {
		if bytes, ok := host.ParseHeapBytes(raw); ok {
			maxHeapBytes = bytes
		}
	}

	br := bridge.Limits{
		MaxSQLBytes:  cfg.MaxSQLBytes,
		MaxParams:    cfg.MaxParams,
		MaxQueryRows: cfg.MaxQueryRows,
	}
	if raw, ok := host.Setting(ctx, tx, "plts.max_sql_bytes"); ok {
		if n, ok := host.ParsePositiveInt(raw); ok {
			br.MaxSQLBytes = n
		}
	}
	if raw, ok := host.Setting(ctx, tx, "plts.max_params"); ok {
		if n, ok := host.ParsePositiveInt(raw); ok {
			br.MaxParams = n
		}
	}
	if raw, ok := host.Setting(ctx, tx, "plts.max_query_rows"); ok {
		if n, ok := host.ParsePositiveInt(raw); ok {
			br.MaxQueryRows = n
		}
	}

	level := parseLevel(b.cfg.Log.Level)
	if raw, ok := host.Setting(ctx, tx, "plts.log_level"); ok {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	return callLimits{
		runtimeMS:    host.ResolveRuntimeTimeoutMS(stmtMS, maxRuntimeMS),
		maxHeapBytes: maxHeapBytes,
		bridge:       br,
		logLevel:     level,
	}
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Invalidate drops cached state for a function after it is redefined.
func (b *Backend) Invalidate(oid uint32) {
	b.loader.Invalidate(oid)
	b.descs.Invalidate(oid)
}

// Validate checks a function body at definition time. Compile errors surface
// on first call rather than at CREATE FUNCTION, so every body is accepted.
func (b *Backend) Validate(source string) error {
	return nil
}
