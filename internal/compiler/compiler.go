// Package compiler turns TypeScript or JavaScript source into the CommonJS
// form the execution engine loads, and derives the content address under
// which compiled artifacts are stored.
package compiler

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"stopgap-plts/internal/plerr"
)

// Options are the compile tunables that participate in the artifact hash.
type Options struct {
	SourceMap bool   `json:"source_map"`
	Target    string `json:"target,omitempty"`
}

// Result is a successful compilation.
type Result struct {
	JS          string
	SourceMap   string // extracted inline map, empty unless requested
	Diagnostics []plerr.Diagnostic
	Fingerprint string
	Hash        string
}

// Compile transpiles source and content-addresses the output. Warnings are
// carried on the result; emission-blocking errors surface as a CompileError
// with the full diagnostic array attached.
func Compile(source string, opts Options) (*Result, error) {
	target := api.ES2020
	if opts.Target != "" {
		t, ok := parseTarget(opts.Target)
		if !ok {
			return nil, plerr.New(plerr.KindCompile, plerr.StageCompile, "unsupported target %q", opts.Target)
		}
		target = t
	}

	transform := api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatCommonJS,
		Target:     target,
		Sourcefile: "function.ts",
		LogLevel:   api.LogLevelSilent,
	}
	if opts.SourceMap {
		transform.Sourcemap = api.SourceMapInline
	}

	out := api.Transform(source, transform)

	diags := make([]plerr.Diagnostic, 0, len(out.Errors)+len(out.Warnings))
	for _, m := range out.Errors {
		diags = append(diags, toDiagnostic("error", m))
	}
	for _, m := range out.Warnings {
		diags = append(diags, toDiagnostic("warning", m))
	}

	if len(out.Errors) > 0 {
		return nil, &plerr.Error{
			Kind:        plerr.KindCompile,
			Stage:       plerr.StageCompile,
			Message:     diags[0].Message,
			Diagnostics: diags,
		}
	}

	js := string(out.Code)
	var srcMap string
	if opts.SourceMap {
		js, srcMap = ExtractInlineSourceMap(js)
	}
	// esbuild drops ordinary comments; carry the import-map comment over so
	// the engine still finds it in the compiled module
	if i := strings.Index(source, "// plts-import-map:"); i >= 0 {
		line := source[i:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		js += strings.TrimRight(line, "\r") + "\n"
	}

	fp := Fingerprint()
	return &Result{
		JS:          js,
		SourceMap:   srcMap,
		Diagnostics: diags,
		Fingerprint: fp,
		Hash:        ArtifactHash(fp, opts, source),
	}, nil
}

func toDiagnostic(severity string, m api.Message) plerr.Diagnostic {
	d := plerr.Diagnostic{Severity: severity, Message: m.Text, Code: m.ID}
	if m.Location != nil {
		d.Line = m.Location.Line
		d.Column = m.Location.Column
	}
	return d
}

func parseTarget(s string) (api.Target, bool) {
	switch strings.ToLower(s) {
	case "es2015":
		return api.ES2015, true
	case "es2016":
		return api.ES2016, true
	case "es2017":
		return api.ES2017, true
	case "es2018":
		return api.ES2018, true
	case "es2019":
		return api.ES2019, true
	case "es2020":
		return api.ES2020, true
	case "esnext":
		return api.ESNext, true
	default:
		return 0, false
	}
}

const inlineMapPrefix = "//# sourceMappingURL=data:application/json;base64,"

// ExtractInlineSourceMap splits an inline source-map trailer off compiled JS,
// returning the JS without the trailer and the decoded map JSON. JS with no
// trailer comes back unchanged with an empty map.
func ExtractInlineSourceMap(js string) (string, string) {
	idx := strings.LastIndex(js, inlineMapPrefix)
	if idx < 0 {
		return js, ""
	}
	payload := strings.TrimRight(js[idx+len(inlineMapPrefix):], "\n")
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return js, ""
	}
	return strings.TrimRight(js[:idx], "\n") + "\n", string(decoded)
}

var (
	fingerprintOnce sync.Once
	fingerprintVal  string
)

// Fingerprint identifies the toolchain that produced an artifact. It is
// derived from the build's module graph so recompiles under a different
// esbuild or engine version never collide with prior artifacts.
func Fingerprint() string {
	fingerprintOnce.Do(func() {
		esbuildVer := "unknown"
		engineVer := "unknown"
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, dep := range info.Deps {
				switch dep.Path {
				case "github.com/evanw/esbuild":
					esbuildVer = dep.Version
				case "github.com/dop251/goja":
					engineVer = dep.Version
				}
			}
		}
		fingerprintVal = fmt.Sprintf("esbuild@%s;goja@%s;fpv1", esbuildVer, engineVer)
	})
	return fingerprintVal
}

// CanonicalOptsJSON renders Options with lexicographically ordered keys and
// stable value formatting so equal options always hash identically.
func CanonicalOptsJSON(opts Options) string {
	pairs := map[string]string{
		"source_map": fmt.Sprintf("%t", opts.SourceMap),
	}
	if opts.Target != "" {
		pairs["target"] = fmt.Sprintf("%q", opts.Target)
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%s", k, pairs[k])
	}
	b.WriteByte('}')
	return b.String()
}

// ArtifactHash computes the content address of a compilation input. The
// fingerprint, canonical options, and source are joined with NUL separators
// so no field boundary can be forged by crafted input.
func ArtifactHash(fingerprint string, opts Options, source string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalOptsJSON(opts)))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
