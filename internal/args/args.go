// Package args maps call arguments from their database representation into
// the shape handed to the JS handler. Single-jsonb functions returning jsonb
// get their payload passed through structurally; every other signature is
// mapped argument by argument from the declared type OIDs.
package args

import (
	"math"

	"github.com/jackc/pgx/v5/pgtype"

	"stopgap-plts/internal/plerr"
)

// maxSafeInteger is the largest integer JS numbers represent exactly.
const maxSafeInteger = 1<<53 - 1

// Value is one call argument as delivered by the host.
type Value struct {
	OID    uint32
	IsNull bool
	V      any
}

// Mapped is the argument payload given to the handler. Structured carries a
// single passthrough value; otherwise Positional holds every argument in
// declaration order and Named holds the subset with declared names.
type Mapped struct {
	Structured bool
	Value      any
	Positional []any
	Named      map[string]any
}

// Descriptor is the cached mapping plan for one function signature.
type Descriptor struct {
	ArgTypeOIDs []uint32
	ArgNames    []string
	ReturnOID   uint32
	Passthrough bool
}

// NewDescriptor derives the mapping plan from a function's catalog shape.
func NewDescriptor(argTypeOIDs []uint32, argNames []string, returnOID uint32) *Descriptor {
	return &Descriptor{
		ArgTypeOIDs: argTypeOIDs,
		ArgNames:    argNames,
		ReturnOID:   returnOID,
		Passthrough: len(argTypeOIDs) == 1 &&
			argTypeOIDs[0] == pgtype.JSONBOID &&
			returnOID == pgtype.JSONBOID,
	}
}

// Map converts the raw argument values per the descriptor.
func (d *Descriptor) Map(values []Value) (*Mapped, error) {
	if len(values) != len(d.ArgTypeOIDs) {
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageExecute,
			"got %d arguments for a %d-argument function", len(values), len(d.ArgTypeOIDs))
	}

	if d.Passthrough {
		if values[0].IsNull {
			return &Mapped{Structured: true, Value: nil}, nil
		}
		return &Mapped{Structured: true, Value: values[0].V}, nil
	}

	m := &Mapped{
		Positional: make([]any, len(values)),
		Named:      make(map[string]any),
	}
	for i, v := range values {
		converted, err := convert(d.ArgTypeOIDs[i], v)
		if err != nil {
			return nil, err
		}
		m.Positional[i] = converted
		if i < len(d.ArgNames) && d.ArgNames[i] != "" {
			m.Named[d.ArgNames[i]] = converted
		}
	}
	return m, nil
}

func convert(typeOID uint32, v Value) (any, error) {
	if v.IsNull {
		return nil, nil
	}

	switch typeOID {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID:
		s, ok := v.V.(string)
		if !ok {
			return nil, conversionErr(typeOID, v)
		}
		return s, nil

	case pgtype.Int2OID:
		return convertInt(v, math.MinInt16, math.MaxInt16)
	case pgtype.Int4OID:
		return convertInt(v, math.MinInt32, math.MaxInt32)
	case pgtype.Int8OID:
		return convertInt(v, -maxSafeInteger, maxSafeInteger)

	case pgtype.BoolOID:
		b, ok := v.V.(bool)
		if !ok {
			return nil, conversionErr(typeOID, v)
		}
		return b, nil

	case pgtype.JSONBOID, pgtype.JSONOID:
		return v.V, nil

	case pgtype.Float4OID:
		switch f := v.V.(type) {
		case float32:
			return float64(f), nil
		case float64:
			return f, nil
		}
		return nil, conversionErr(typeOID, v)
	case pgtype.Float8OID:
		f, ok := v.V.(float64)
		if !ok {
			return nil, conversionErr(typeOID, v)
		}
		return f, nil

	default:
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageExecute,
			"unsupported argument type oid=%d", typeOID)
	}
}

func convertInt(v Value, lo, hi int64) (any, error) {
	var n int64
	switch x := v.V.(type) {
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	default:
		return nil, conversionErr(0, v)
	}
	if n < lo || n > hi {
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageExecute,
			"integer argument %d out of range [%d, %d]", n, lo, hi)
	}
	if n < -maxSafeInteger || n > maxSafeInteger {
		return nil, plerr.New(plerr.KindArgConversion, plerr.StageExecute,
			"integer argument %d exceeds the exactly representable range", n)
	}
	return n, nil
}

func conversionErr(typeOID uint32, v Value) error {
	return plerr.New(plerr.KindArgConversion, plerr.StageExecute,
		"cannot convert %T value for argument type oid=%d", v.V, typeOID)
}
