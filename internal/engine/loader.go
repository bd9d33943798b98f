package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/dop251/goja"

	"stopgap-plts/internal/compiler"
	enginejs "stopgap-plts/internal/engine/js"
	"stopgap-plts/internal/plerr"
)

const (
	runtimeModuleSpecifier = "@stopgap/runtime"
	artifactScheme         = "plts+artifact:"
	importMapMarker        = "// plts-import-map:"
)

type moduleState int

const (
	moduleLoading moduleState = iota
	moduleReady
	moduleErrored
)

type moduleRecord struct {
	state   moduleState
	exports *goja.Object
}

// parseImportMap extracts the inline specifier map from an entry module's
// source. Mapped targets must themselves be loadable specifiers (artifact
// hashes or data: URLs).
func parseImportMap(js string) (map[string]string, error) {
	idx := strings.Index(js, importMapMarker)
	if idx < 0 {
		return nil, nil
	}
	line := js[idx+len(importMapMarker):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &m); err != nil {
		return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "malformed import map comment")
	}
	return m, nil
}

// require resolves one specifier from inside a module graph. The resolver
// order is fixed; anything that falls through is not importable here.
func (e *Engine) require(specifier string) *goja.Object {
	exports, err := e.resolve(specifier, 0)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return exports
}

const maxResolveDepth = 4

func (e *Engine) resolve(specifier string, depth int) (*goja.Object, error) {
	if depth > maxResolveDepth {
		return nil, plerr.New(plerr.KindImportNotSupported, plerr.StageLoad,
			"import map for %q does not resolve to a loadable specifier", specifier)
	}

	switch {
	case specifier == runtimeModuleSpecifier:
		return e.loadModule(specifier, enginejs.RuntimeModule)

	case strings.HasPrefix(specifier, "data:"):
		src, err := decodeDataURL(specifier)
		if err != nil {
			return nil, err
		}
		return e.loadModule(specifier, src)

	case strings.HasPrefix(specifier, artifactScheme):
		hash := specifier[len(artifactScheme):]
		if e.current == nil || e.current.resolveArtifact == nil {
			return nil, plerr.New(plerr.KindImportNotSupported, plerr.StageLoad,
				"artifact imports are not available in this context")
		}
		src, err := e.current.resolveArtifact(hash)
		if err != nil {
			return nil, err
		}
		return e.loadModule(specifier, src)

	default:
		if e.current != nil {
			if target, ok := e.current.importMap[specifier]; ok {
				return e.resolve(target, depth+1)
			}
		}
		return nil, plerr.New(plerr.KindImportNotSupported, plerr.StageLoad,
			"cannot import %q: only data: URLs, stored artifacts, and %s are importable", specifier, runtimeModuleSpecifier)
	}
}

// decodeDataURL extracts and transpiles the body of a data: URL module.
// Every payload goes through the TypeScript transpiler; the content type in
// the URL is not read.
func decodeDataURL(specifier string) (string, error) {
	rest := specifier[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", plerr.New(plerr.KindLoad, plerr.StageLoad, "data: URL without a payload")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	var body string
	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "decode base64 data: URL")
		}
		body = string(decoded)
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			// verbatim payloads are allowed to contain raw %
			unescaped = payload
		}
		body = unescaped
	}

	// the TS loader is a superset of JS, so every content type funnels
	// through the same transpile; module syntax is lowered either way
	res, err := compiler.Compile(body, compiler.Options{})
	if err != nil {
		return "", err
	}
	return res.JS, nil
}

// loadModule evaluates a CommonJS module once and memoizes its exports. A
// module that failed to evaluate stays failed; re-importing it is refused
// rather than retried against a partially-instantiated graph.
func (e *Engine) loadModule(key, src string) (*goja.Object, error) {
	if rec, ok := e.modules[key]; ok {
		switch rec.state {
		case moduleErrored:
			return nil, plerr.New(plerr.KindLoad, plerr.StageLoad,
				"module %q previously failed to load", key)
		default:
			// a module still loading hands back its partial exports
			return rec.exports, nil
		}
	}

	prog, err := goja.Compile(key, "(function(module, exports, require){"+src+"\n})", false)
	if err != nil {
		return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "compile module %q", key)
	}

	exports := e.vm.NewObject()
	moduleObj := e.vm.NewObject()
	if err := moduleObj.Set("exports", exports); err != nil {
		return nil, plerr.Wrap(plerr.KindLoad, plerr.StageLoad, err, "init module %q", key)
	}
	rec := &moduleRecord{state: moduleLoading, exports: exports}
	e.modules[key] = rec

	fnVal, err := e.vm.RunProgram(prog)
	if err != nil {
		rec.state = moduleErrored
		return nil, wrapJSError(err, plerr.StageLoad)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		rec.state = moduleErrored
		return nil, plerr.New(plerr.KindLoad, plerr.StageLoad, "module wrapper for %q is not callable", key)
	}

	requireFn := e.vm.ToValue(e.require)
	if _, err := fn(goja.Undefined(), moduleObj, exports, requireFn); err != nil {
		rec.state = moduleErrored
		return nil, wrapJSError(err, plerr.StageLoad)
	}

	// module.exports may have been reassigned
	final := moduleObj.Get("exports")
	if obj, ok := final.(*goja.Object); ok {
		rec.exports = obj
	}
	rec.state = moduleReady
	return rec.exports, nil
}

// entryKey names the memoization slot for a function's entry module. Inline
// bodies key on their content so a redefined function never resolves to a
// stale module.
func entryKey(artifactHash, js string) string {
	if artifactHash != "" {
		return artifactScheme + artifactHash
	}
	sum := sha256.Sum256([]byte(js))
	return "inline:" + hex.EncodeToString(sum[:])
}
