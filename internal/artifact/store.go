// Package artifact is the content-addressed store for compiled function
// programs. Rows live in plts.artifact inside the host database; the hash is
// the primary key, so equal inputs always land on the same row.
package artifact

import (
	"context"
	"encoding/json"

	"stopgap-plts/internal/compiler"
	"stopgap-plts/internal/host"
	"stopgap-plts/internal/plerr"
)

// Artifact is one stored compilation.
type Artifact struct {
	Hash        string
	Fingerprint string
	OptsJSON    string
	Source      string
	CompiledJS  string
	SourceMap   string
	Diagnostics []plerr.Diagnostic
}

// Store reads and writes artifacts through the host transaction.
type Store struct {
	tx host.Tx
}

// NewStore binds a store to the current transaction.
func NewStore(tx host.Tx) *Store {
	return &Store{tx: tx}
}

// EnsureSchema creates the artifact table when it does not exist yet. The dev
// CLI calls this; inside a live backend the table is expected to be present.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE SCHEMA IF NOT EXISTS plts;
CREATE TABLE IF NOT EXISTS plts.artifact (
    hash        text PRIMARY KEY,
    fingerprint text NOT NULL,
    opts        jsonb NOT NULL,
    source      text NOT NULL,
    compiled_js text NOT NULL,
    source_map  text,
    diagnostics jsonb,
    created_at  timestamptz NOT NULL DEFAULT now()
)`
	if _, err := s.tx.Exec(ctx, ddl); err != nil {
		return plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "ensure artifact schema")
	}
	return nil
}

// Upsert stores an artifact and returns its hash. Re-storing an existing hash
// is a no-op; the hash is content-derived, so the stored row already carries
// identical data.
func (s *Store) Upsert(ctx context.Context, a *Artifact) (string, error) {
	var diagJSON []byte
	if len(a.Diagnostics) > 0 {
		b, err := json.Marshal(a.Diagnostics)
		if err != nil {
			return "", plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "encode diagnostics")
		}
		diagJSON = b
	}

	var sourceMap *string
	if a.SourceMap != "" {
		sourceMap = &a.SourceMap
	}

	const q = `
INSERT INTO plts.artifact (hash, fingerprint, opts, source, compiled_js, source_map, diagnostics)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7::jsonb)
ON CONFLICT (hash) DO NOTHING`
	_, err := s.tx.Exec(ctx, q, a.Hash, a.Fingerprint, a.OptsJSON, a.Source, a.CompiledJS, sourceMap, diagJSON)
	if err != nil {
		return "", plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "store artifact %s", a.Hash)
	}
	return a.Hash, nil
}

// Get fetches an artifact by hash. A missing hash is a LoadError; the caller
// holds a pointer to something that should exist.
func (s *Store) Get(ctx context.Context, hash string) (*Artifact, error) {
	const q = `
SELECT fingerprint, opts::text, source, compiled_js, COALESCE(source_map, ''), COALESCE(diagnostics::text, '')
FROM plts.artifact
WHERE hash = $1`

	a := &Artifact{Hash: hash}
	var diagText string
	err := s.tx.QueryRow(ctx, q, hash).Scan(
		&a.Fingerprint, &a.OptsJSON, &a.Source, &a.CompiledJS, &a.SourceMap, &diagText,
	)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "artifact %s not found", hash)
	}
	if diagText != "" {
		if err := json.Unmarshal([]byte(diagText), &a.Diagnostics); err != nil {
			return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "decode diagnostics for %s", hash)
		}
	}
	return a, nil
}

// CompileAndStore compiles source under the given options, stores the result,
// and returns the stored artifact. Compile failures pass through unchanged.
func (s *Store) CompileAndStore(ctx context.Context, source string, opts compiler.Options) (*Artifact, error) {
	res, err := compiler.Compile(source, opts)
	if err != nil {
		return nil, err
	}
	a := &Artifact{
		Hash:        res.Hash,
		Fingerprint: res.Fingerprint,
		OptsJSON:    compiler.CanonicalOptsJSON(opts),
		Source:      source,
		CompiledJS:  res.JS,
		SourceMap:   res.SourceMap,
		Diagnostics: res.Diagnostics,
	}
	if _, err := s.Upsert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}
