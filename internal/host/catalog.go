package host

import (
	"context"
	"fmt"
)

// FunctionMeta is the catalog row the loader and argument mapper consume.
type FunctionMeta struct {
	OID           uint32
	Schema        string
	Name          string
	Source        string
	ArgTypeOIDs   []uint32
	ArgNames      []string // empty when the function declares no names
	ReturnTypeOID uint32
}

// LookupFunction reads the catalog entry for a function by OID inside the
// current transaction. proargtypes is an oidvector; casting through oid[]
// keeps the scan a plain uint32 slice.
func LookupFunction(ctx context.Context, tx Tx, oid uint32) (*FunctionMeta, error) {
	const q = `
SELECT n.nspname,
       p.proname,
       p.prosrc,
       p.proargtypes::oid[],
       COALESCE(p.proargnames, '{}'::text[]),
       p.prorettype
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE p.oid = $1`

	meta := &FunctionMeta{OID: oid}
	err := tx.QueryRow(ctx, q, oid).Scan(
		&meta.Schema,
		&meta.Name,
		&meta.Source,
		&meta.ArgTypeOIDs,
		&meta.ArgNames,
		&meta.ReturnTypeOID,
	)
	if err != nil {
		return nil, fmt.Errorf("lookup function oid=%d: %w", oid, err)
	}
	return meta, nil
}
