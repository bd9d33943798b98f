package args

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"stopgap-plts/internal/plerr"
)

func TestStructuredPassthrough(t *testing.T) {
	d := NewDescriptor([]uint32{pgtype.JSONBOID}, nil, pgtype.JSONBOID)
	if !d.Passthrough {
		t.Fatal("single jsonb -> jsonb signature should pass through")
	}

	payload := map[string]any{"n": float64(3), "tags": []any{"a"}}
	m, err := d.Map([]Value{{OID: pgtype.JSONBOID, V: payload}})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.Structured {
		t.Fatal("expected structured payload")
	}
	got, ok := m.Value.(map[string]any)
	if !ok || got["n"] != float64(3) {
		t.Errorf("payload not passed through: %#v", m.Value)
	}
}

func TestStructuredPassthroughNull(t *testing.T) {
	d := NewDescriptor([]uint32{pgtype.JSONBOID}, nil, pgtype.JSONBOID)
	m, err := d.Map([]Value{{OID: pgtype.JSONBOID, IsNull: true}})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.Structured || m.Value != nil {
		t.Errorf("null payload should map to nil, got %#v", m.Value)
	}
}

func TestTypedMapping(t *testing.T) {
	d := NewDescriptor(
		[]uint32{pgtype.TextOID, pgtype.Int4OID, pgtype.BoolOID, pgtype.Float8OID, pgtype.JSONBOID},
		[]string{"name", "count", "", "ratio", "extra"},
		pgtype.JSONBOID,
	)
	if d.Passthrough {
		t.Fatal("multi-argument signature should not pass through")
	}

	m, err := d.Map([]Value{
		{OID: pgtype.TextOID, V: "hello"},
		{OID: pgtype.Int4OID, V: int32(41)},
		{OID: pgtype.BoolOID, V: true},
		{OID: pgtype.Float8OID, V: 0.5},
		{OID: pgtype.JSONBOID, V: []any{"x"}},
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if len(m.Positional) != 5 {
		t.Fatalf("positional len = %d", len(m.Positional))
	}
	if m.Positional[0] != "hello" || m.Positional[1] != int64(41) || m.Positional[2] != true || m.Positional[3] != 0.5 {
		t.Errorf("positional values wrong: %#v", m.Positional)
	}
	if m.Named["name"] != "hello" || m.Named["count"] != int64(41) || m.Named["ratio"] != 0.5 {
		t.Errorf("named values wrong: %#v", m.Named)
	}
	if _, ok := m.Named[""]; ok {
		t.Error("unnamed position leaked into named map")
	}
	if len(m.Named) != 4 {
		t.Errorf("named len = %d, want 4", len(m.Named))
	}
}

func TestNullArguments(t *testing.T) {
	d := NewDescriptor([]uint32{pgtype.TextOID, pgtype.Int8OID}, []string{"a", "b"}, pgtype.JSONBOID)
	m, err := d.Map([]Value{
		{OID: pgtype.TextOID, IsNull: true},
		{OID: pgtype.Int8OID, IsNull: true},
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Positional[0] != nil || m.Positional[1] != nil {
		t.Errorf("nulls should map to nil: %#v", m.Positional)
	}
}

func TestIntegerRangeErrors(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
		v    any
	}{
		{"int2 overflow", pgtype.Int2OID, int64(40000)},
		{"int4 overflow", pgtype.Int4OID, int64(1) << 35},
		{"int8 beyond exact range", pgtype.Int8OID, int64(1) << 54},
		{"int8 negative beyond exact range", pgtype.Int8OID, -(int64(1) << 54)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDescriptor([]uint32{tt.oid}, nil, pgtype.TextOID)
			_, err := d.Map([]Value{{OID: tt.oid, V: tt.v}})
			if !plerr.Is(err, plerr.KindArgConversion) {
				t.Errorf("kind = %q, want ArgConversionError", plerr.KindOf(err))
			}
		})
	}
}

func TestInt8WithinExactRange(t *testing.T) {
	d := NewDescriptor([]uint32{pgtype.Int8OID}, nil, pgtype.TextOID)
	m, err := d.Map([]Value{{OID: pgtype.Int8OID, V: int64(maxSafeInteger)}})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Positional[0] != int64(maxSafeInteger) {
		t.Errorf("value = %v", m.Positional[0])
	}
}

func TestArityMismatch(t *testing.T) {
	d := NewDescriptor([]uint32{pgtype.TextOID}, nil, pgtype.TextOID)
	_, err := d.Map(nil)
	if !plerr.Is(err, plerr.KindArgConversion) {
		t.Errorf("kind = %q, want ArgConversionError", plerr.KindOf(err))
	}
}

func TestUnsupportedType(t *testing.T) {
	d := NewDescriptor([]uint32{600}, nil, pgtype.TextOID) // point
	_, err := d.Map([]Value{{OID: 600, V: "(1,2)"}})
	if !plerr.Is(err, plerr.KindArgConversion) {
		t.Errorf("kind = %q, want ArgConversionError", plerr.KindOf(err))
	}
}

func TestDescriptorCacheTTL(t *testing.T) {
	c := NewDescriptorCache(30 * time.Second)
	d1 := c.Get(10, []uint32{pgtype.TextOID}, nil, pgtype.TextOID)
	d2 := c.Get(10, []uint32{pgtype.Int4OID}, nil, pgtype.TextOID)
	if d1 != d2 {
		t.Error("fresh entry should be served regardless of new shape")
	}

	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Minute) }
	d3 := c.Get(10, []uint32{pgtype.Int4OID}, nil, pgtype.TextOID)
	if d3 == d1 {
		t.Error("expired entry served")
	}
	if d3.ArgTypeOIDs[0] != pgtype.Int4OID {
		t.Error("rebuilt descriptor did not pick up the new shape")
	}

	c.Invalidate(10)
	d4 := c.Get(10, []uint32{pgtype.BoolOID}, nil, pgtype.TextOID)
	if d4.ArgTypeOIDs[0] != pgtype.BoolOID {
		t.Error("invalidation did not force a rebuild")
	}
}
