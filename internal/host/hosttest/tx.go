// Package hosttest provides an in-memory Tx fake for exercising code paths
// that would otherwise need a live database connection.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one statement issued against the fake.
type Call struct {
	SQL  string
	Args []any
}

// Tx is a scriptable host.Tx. Handlers receive the statement and its
// arguments; a nil handler fails the call.
type Tx struct {
	QueryFunc func(sql string, args []any) ([][]any, error)
	ExecFunc  func(sql string, args []any) (pgconn.CommandTag, error)
	Calls     []Call
}

func (t *Tx) record(sql string, args []any) {
	t.Calls = append(t.Calls, Call{SQL: sql, Args: args})
}

func (t *Tx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.record(sql, args)
	if t.QueryFunc == nil {
		return nil, errors.New("hosttest: no QueryFunc configured")
	}
	rows, err := t.QueryFunc(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows, idx: -1}, nil
}

func (t *Tx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.record(sql, args)
	if t.QueryFunc == nil {
		return errRow{errors.New("hosttest: no QueryFunc configured")}
	}
	rows, err := t.QueryFunc(sql, args)
	if err != nil {
		return errRow{err}
	}
	if len(rows) == 0 {
		return errRow{pgx.ErrNoRows}
	}
	return valueRow{rows[0]}
}

func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.record(sql, args)
	if t.ExecFunc == nil {
		return pgconn.CommandTag{}, errors.New("hosttest: no ExecFunc configured")
	}
	return t.ExecFunc(sql, args)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type valueRow struct{ values []any }

func (r valueRow) Scan(dest ...any) error { return scanInto(r.values, dest) }

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return nil, errors.New("hosttest: Values outside row")
	}
	return r.rows[r.idx], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return errors.New("hosttest: Scan outside row")
	}
	return scanInto(r.rows[r.idx], dest)
}

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("hosttest: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("hosttest: destination %d is not a pointer", i)
		}
		elem := dv.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		switch {
		case sv.Type().AssignableTo(elem.Type()):
			elem.Set(sv)
		case sv.Type().ConvertibleTo(elem.Type()):
			elem.Set(sv.Convert(elem.Type()))
		case elem.Kind() == reflect.Pointer && sv.Type().AssignableTo(elem.Type().Elem()):
			p := reflect.New(elem.Type().Elem())
			p.Elem().Set(sv)
			elem.Set(p)
		default:
			return fmt.Errorf("hosttest: cannot scan %T into %s", v, elem.Type())
		}
	}
	return nil
}
