// Package program loads the executable form of a function: either its inline
// body compiled on demand, or a stored artifact named by a pointer stub. A
// bounded per-backend cache keeps hot functions compiled across calls.
package program

import (
	"context"
	"encoding/json"
	"strings"

	"stopgap-plts/internal/artifact"
	"stopgap-plts/internal/compiler"
	"stopgap-plts/internal/host"
	"stopgap-plts/internal/plerr"
)

// Kind discriminates how a program's JS was obtained.
type Kind int

const (
	KindInline Kind = iota
	KindArtifact
)

// Program is a loaded, executable function body.
type Program struct {
	Fn           plerr.FunctionID
	Kind         Kind
	ArtifactHash string // set for KindArtifact
	Export       string // entry export name, empty means default
	CompiledJS   string
	SourceMap    string
	ArgTypeOIDs  []uint32
	ArgNames     []string
	ReturnOID    uint32
}

type pointerStub struct {
	PLTS         json.Number `json:"plts"`
	Kind         string      `json:"kind"`
	ArtifactHash string      `json:"artifact_hash"`
	Export       string      `json:"export"`
}

// parsePointerStub reports whether a function body is an artifact pointer.
// Only a JSON object with plts == 1 and kind == "artifact_ptr" qualifies;
// anything else, including malformed JSON, is treated as inline source.
func parsePointerStub(body string) (*pointerStub, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var stub pointerStub
	if err := dec.Decode(&stub); err != nil {
		return nil, false
	}
	if stub.PLTS.String() != "1" || stub.Kind != "artifact_ptr" {
		return nil, false
	}
	return &stub, true
}

// Loader resolves function OIDs to programs, consulting its cache first.
type Loader struct {
	cache     *programCache
	artifacts *artifactCache

	// OnCacheEvent, when set, observes every cache lookup.
	OnCacheEvent func(hit bool)
}

// NewLoader builds a loader with the given cache bounds.
func NewLoader(cfg CacheConfig) *Loader {
	return &Loader{
		cache:     newProgramCache(cfg),
		artifacts: newArtifactCache(cfg),
	}
}

// Load returns the program for a function. The cache entry is served only
// while its TTL holds and the catalog source is byte-identical to the source
// the entry was built from; a redefined function is always recompiled.
func (l *Loader) Load(ctx context.Context, tx host.Tx, oid uint32) (*Program, error) {
	meta, err := host.LookupFunction(ctx, tx, oid)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "function oid=%d", oid)
	}

	p, hit := l.cache.get(oid, meta.Source)
	if l.OnCacheEvent != nil {
		l.OnCacheEvent(hit)
	}
	if hit {
		return p, nil
	}

	p, err = l.build(ctx, tx, meta)
	if err != nil {
		return nil, plerr.WithFn(err, p2id(meta))
	}
	l.cache.put(oid, meta.Source, p)
	return p, nil
}

// Invalidate drops any cached entry for a function.
func (l *Loader) Invalidate(oid uint32) {
	l.cache.remove(oid)
}

func p2id(meta *host.FunctionMeta) plerr.FunctionID {
	return plerr.FunctionID{OID: meta.OID, Schema: meta.Schema, Name: meta.Name}
}

func (l *Loader) build(ctx context.Context, tx host.Tx, meta *host.FunctionMeta) (*Program, error) {
	p := &Program{
		Fn:          p2id(meta),
		ArgTypeOIDs: meta.ArgTypeOIDs,
		ArgNames:    meta.ArgNames,
		ReturnOID:   meta.ReturnTypeOID,
	}

	if stub, ok := parsePointerStub(meta.Source); ok {
		if stub.ArtifactHash == "" {
			return p, plerr.New(plerr.KindLoad, plerr.StageLoad, "artifact pointer without artifact_hash")
		}
		js, srcMap, err := l.hydrate(ctx, tx, stub.ArtifactHash)
		if err != nil {
			return p, err
		}
		p.Kind = KindArtifact
		p.ArtifactHash = stub.ArtifactHash
		p.Export = stub.Export
		p.CompiledJS = js
		p.SourceMap = srcMap
		return p, nil
	}

	res, err := compiler.Compile(meta.Source, compiler.Options{})
	if err != nil {
		return p, err
	}
	p.Kind = KindInline
	p.CompiledJS = res.JS
	p.SourceMap = res.SourceMap
	return p, nil
}

// Hydrate resolves an artifact hash to its compiled JS, serving module
// imports that name stored artifacts directly.
func (l *Loader) Hydrate(ctx context.Context, tx host.Tx, hash string) (string, error) {
	js, _, err := l.hydrate(ctx, tx, hash)
	return js, err
}

// hydrate fetches an artifact's compiled JS, shared across every function
// that points at the same hash.
func (l *Loader) hydrate(ctx context.Context, tx host.Tx, hash string) (string, string, error) {
	if js, srcMap, ok := l.artifacts.get(hash); ok {
		return js, srcMap, nil
	}
	a, err := artifact.NewStore(tx).Get(ctx, hash)
	if err != nil {
		return "", "", err
	}
	l.artifacts.put(hash, a.CompiledJS, a.SourceMap)
	return a.CompiledJS, a.SourceMap, nil
}
