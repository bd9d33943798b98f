// Package bridge carries ctx.db calls from handler code into the host
// transaction. Inputs are normalized to a single {sql, params} shape, limits
// are enforced before anything reaches the database, and read-only calls are
// gated by a statement classifier.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"stopgap-plts/internal/host"
	"stopgap-plts/internal/plerr"
)

// Mode selects the statement surface available to a call.
type Mode int

const (
	ModeReadWrite Mode = iota
	ModeReadOnly
)

// Limits bound a single bridge operation. Zero values fall back to the
// standing defaults.
type Limits struct {
	MaxSQLBytes  int
	MaxParams    int
	MaxQueryRows int
}

const (
	DefaultMaxSQLBytes  = 128 << 10
	DefaultMaxParams    = 256
	DefaultMaxQueryRows = 1000
)

func (l Limits) sqlBytes() int {
	if l.MaxSQLBytes > 0 {
		return l.MaxSQLBytes
	}
	return DefaultMaxSQLBytes
}

func (l Limits) params() int {
	if l.MaxParams > 0 {
		return l.MaxParams
	}
	return DefaultMaxParams
}

func (l Limits) queryRows() int {
	if l.MaxQueryRows > 0 {
		return l.MaxQueryRows
	}
	return DefaultMaxQueryRows
}

// Request is a normalized statement plus its bound parameters.
type Request struct {
	SQL    string
	Params []any
}

// Normalize accepts the statement forms handler code may pass: a bare SQL
// string, or an object with sql and optional params. A params array supplied
// as the call's second argument takes precedence over the object's own
// params. Objects exposing a toSQL method are resolved to one of those forms
// by the runtime shim before they cross into Go, so anything else here is a
// caller error.
func Normalize(input any, params any, paramsProvided bool) (*Request, error) {
	var explicit []any
	if paramsProvided && params != nil {
		arr, ok := params.([]any)
		if !ok {
			return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "params is %T, not an array", params)
		}
		explicit = arr
	}

	switch v := input.(type) {
	case string:
		return &Request{SQL: v, Params: explicit}, nil
	case map[string]any:
		sqlVal, ok := v["sql"]
		if !ok {
			return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "statement object has no sql property")
		}
		sqlStr, ok := sqlVal.(string)
		if !ok {
			return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "sql property is %T, not a string", sqlVal)
		}
		req := &Request{SQL: sqlStr}
		if paramsProvided {
			req.Params = explicit
			return req, nil
		}
		if raw, ok := v["params"]; ok && raw != nil {
			arr, ok := raw.([]any)
			if !ok {
				return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "params is %T, not an array", raw)
			}
			req.Params = arr
		}
		return req, nil
	default:
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "statement is %T, not a string or {sql, params} object", input)
	}
}

// ConvertParam maps one handler-supplied parameter to its database binding.
// Objects and arrays bind as jsonb; scalars bind natively.
func ConvertParam(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case map[string]any, []any:
		// bound in text form so the server coerces to jsonb at the placeholder
		b, err := json.Marshal(x)
		if err != nil {
			return nil, plerr.Wrap(plerr.KindArgConversion, plerr.StageBridge, err, "encode parameter as jsonb")
		}
		return string(b), nil
	default:
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageBridge, "unsupported parameter type %T", v)
	}
}

// Bridge executes normalized requests inside the host transaction.
type Bridge struct {
	tx     host.Tx
	mode   Mode
	limits Limits
}

// New binds a bridge to a transaction for one invocation.
func New(tx host.Tx, mode Mode, limits Limits) *Bridge {
	return &Bridge{tx: tx, mode: mode, limits: limits}
}

func (b *Bridge) check(req *Request) ([]any, error) {
	if n := len(req.SQL); n > b.limits.sqlBytes() {
		return nil, plerr.Limit(plerr.LimitSQLBytes, plerr.StageBridge,
			"statement is %d bytes, limit %d", n, b.limits.sqlBytes())
	}
	if n := len(req.Params); n > b.limits.params() {
		return nil, plerr.Limit(plerr.LimitParams, plerr.StageBridge,
			"%d parameters, limit %d", n, b.limits.params())
	}
	params := make([]any, len(req.Params))
	for i, p := range req.Params {
		converted, err := ConvertParam(p)
		if err != nil {
			return nil, err
		}
		params[i] = converted
	}
	return params, nil
}

// Query runs a statement and returns its rows as JSON row-objects. Read-only
// mode rejects any statement the classifier cannot prove read-only. A result
// larger than the row limit is an error, never a truncation.
func (b *Bridge) Query(ctx context.Context, req *Request) ([]any, error) {
	if b.mode == ModeReadOnly && !IsReadOnlySQL(req.SQL) {
		return nil, plerr.New(plerr.KindSQL, plerr.StageBridge,
			"statement is not read-only; query handlers may only read")
	}
	params, err := b.check(req)
	if err != nil {
		return nil, err
	}

	maxRows := b.limits.queryRows()
	wrapped := fmt.Sprintf(
		"SELECT COALESCE(jsonb_agg(row_json), '[]'::jsonb) FROM (SELECT to_jsonb(q) AS row_json FROM (%s) q LIMIT %d) rows",
		req.SQL, maxRows+1,
	)

	var payload []byte
	if err := b.tx.QueryRow(ctx, wrapped, params...).Scan(&payload); err != nil {
		return nil, sqlError(err)
	}
	var rows []any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, plerr.Wrap(plerr.KindSQL, plerr.StageBridge, err, "decode result rows")
	}
	if len(rows) > maxRows {
		return nil, plerr.Limit(plerr.LimitRows, plerr.StageBridge,
			"result exceeds %d rows", maxRows)
	}
	return rows, nil
}

// Exec runs a statement for its side effects and returns the affected row
// count. Read-only mode rejects exec outright.
func (b *Bridge) Exec(ctx context.Context, req *Request) (int64, error) {
	if b.mode == ModeReadOnly {
		return 0, plerr.New(plerr.KindSQL, plerr.StageBridge,
			"exec is not available to query handlers")
	}
	params, err := b.check(req)
	if err != nil {
		return 0, err
	}
	tag, err := b.tx.Exec(ctx, req.SQL, params...)
	if err != nil {
		return 0, sqlError(err)
	}
	return tag.RowsAffected(), nil
}

func sqlError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &plerr.Error{
			Kind:    plerr.KindSQL,
			Stage:   plerr.StageBridge,
			Message: pgErr.Message,
			SQLCode: pgErr.Code,
			Err:     err,
		}
	}
	return plerr.Wrap(plerr.KindSQL, plerr.StageBridge, err, "statement failed")
}
