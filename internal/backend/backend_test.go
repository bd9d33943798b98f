package backend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"stopgap-plts/internal/args"
	"stopgap-plts/internal/config"
	"stopgap-plts/internal/host/hosttest"
	"stopgap-plts/internal/monitor"
	"stopgap-plts/internal/plerr"
)

const jsonbOID = 3802

// newCallTx scripts a Tx answering setting reads and catalog lookups. The
// settings map uses the setting name as key; missing names read as NULL.
func newCallTx(source string, settings map[string]string) *hosttest.Tx {
	return &hosttest.Tx{
		QueryFunc: func(sql string, qargs []any) ([][]any, error) {
			switch {
			case strings.Contains(sql, "current_setting"):
				name, _ := qargs[0].(string)
				if v, ok := settings[name]; ok {
					return [][]any{{v}}, nil
				}
				return [][]any{{nil}}, nil
			case strings.Contains(sql, "pg_proc"):
				return [][]any{{
					"public", "test_fn", source,
					[]uint32{jsonbOID}, []string{"input"}, uint32(jsonbOID),
				}}, nil
			default:
				return nil, errors.New("unexpected query: " + sql)
			}
		},
	}
}

func newBackend(t *testing.T) (*Backend, *monitor.Metrics) {
	t.Helper()
	m := monitor.NewMetrics()
	return New(zerolog.Nop(), config.DefaultConfig(), m, nil), m
}

func jsonbArg(v any) []args.Value {
	return []args.Value{{OID: jsonbOID, V: v}}
}

func TestInvokePassthrough(t *testing.T) {
	b, _ := newBackend(t)
	tx := newCallTx(`export default (ctx) => ctx.args;`, nil)

	out, err := b.Invoke(context.Background(), Call{
		Tx:    tx,
		FnOID: 99,
		Args:  jsonbArg(map[string]any{"n": float64(7)}),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	got, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", out)
	}
	if got["n"] != float64(7) {
		t.Errorf("result n = %v, want 7", got["n"])
	}
}

func TestInvokeCachesProgram(t *testing.T) {
	b, m := newBackend(t)
	tx := newCallTx(`export default () => 1;`, nil)

	for range 2 {
		if _, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)}); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	if hits := testutil.ToFloat64(m.CacheEvents.WithLabelValues("hit")); hits != 1 {
		t.Errorf("cache hits = %v, want 1", hits)
	}
	if misses := testutil.ToFloat64(m.CacheEvents.WithLabelValues("miss")); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestInvokeRuntimeSettingTerminates(t *testing.T) {
	b, _ := newBackend(t)
	tx := newCallTx(`export default () => { for (;;) {} };`,
		map[string]string{"plts.max_runtime_ms": "50"})

	_, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)})
	if !plerr.IsTimeout(err) {
		t.Fatalf("err = %v, want runtime_ms limit", err)
	}

	// A terminated call poisons the isolate; the next call gets a fresh one.
	tx2 := newCallTx(`export default () => "ok";`, nil)
	out, err := b.Invoke(context.Background(), Call{Tx: tx2, FnOID: 99, Args: jsonbArg(nil)})
	if err != nil {
		t.Fatalf("Invoke after poison: %v", err)
	}
	if out != "ok" {
		t.Errorf("result = %v, want ok", out)
	}
}

func TestStatementTimeoutWinsWhenStricter(t *testing.T) {
	b, _ := newBackend(t)
	tx := newCallTx(`export default () => { for (;;) {} };`, map[string]string{
		"statement_timeout":   "40ms",
		"plts.max_runtime_ms": "10min",
	})

	_, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)})
	if !plerr.IsTimeout(err) {
		t.Fatalf("err = %v, want runtime_ms limit", err)
	}
}

func TestInvokeCompileErrorCarriesIdentity(t *testing.T) {
	b, m := newBackend(t)
	tx := newCallTx(`export default func ( => {`, nil)

	_, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)})
	var pe *plerr.Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *plerr.Error", err)
	}
	if pe.Kind != plerr.KindCompile {
		t.Errorf("kind = %s, want CompileError", pe.Kind)
	}
	if pe.Fn.Name != "test_fn" {
		t.Errorf("fn = %s, want test_fn identity", pe.Fn)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
}

func TestInvokeArityMismatch(t *testing.T) {
	b, _ := newBackend(t)
	tx := newCallTx(`export default (ctx) => ctx.args;`, nil)

	_, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: nil})
	if !plerr.Is(err, plerr.KindArgConversion) {
		t.Fatalf("err = %v, want ArgConversionError", err)
	}
}

func TestInvalidateDropsCaches(t *testing.T) {
	b, m := newBackend(t)
	tx := newCallTx(`export default () => 1;`, nil)

	if _, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	b.Invalidate(99)
	if _, err := b.Invoke(context.Background(), Call{Tx: tx, FnOID: 99, Args: jsonbArg(nil)}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if misses := testutil.ToFloat64(m.CacheEvents.WithLabelValues("miss")); misses != 2 {
		t.Errorf("cache misses = %v, want 2", misses)
	}
}

func TestValidateIsPermissive(t *testing.T) {
	b, _ := newBackend(t)
	for _, src := range []string{"", "not even close to TS {{{", `export default () => 1;`} {
		if err := b.Validate(src); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", src, err)
		}
	}
}
