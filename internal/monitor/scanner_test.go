package monitor

import (
	"testing"
)

func TestScan(t *testing.T) {
	s := NewSourceScanner()

	tests := []struct {
		name         string
		source       string
		wantMinCount int // minimum number of findings
		wantPattern  string
	}{
		{"deno namespace", `const data = Deno.readTextFileSync("/etc/passwd");`, 1, "host_namespace_probe"},
		{"fetch call", `const res = await fetch("https://example.com");`, 1, "network_api"},
		{"websocket ctor", `const ws = new WebSocket("wss://example.com");`, 1, "network_api"},
		{"eval", `eval("1 + 1");`, 1, "dynamic_eval"},
		{"function ctor", `const f = new Function("return 1");`, 1, "dynamic_eval"},
		{"node builtin", `import { readFileSync } from "node:fs";`, 1, "node_builtin_import"},
		{"node require", `const fs = require("node:fs");`, 1, "node_builtin_import"},
		{"remote import", `import lib from "https://esm.sh/lodash";`, 1, "remote_import"},
		{"internal ops", `globalThis.__plts_internal_ops.db_exec({});`, 1, "internal_ops_probe"},
		{"proto pollution", `obj.__proto__["isAdmin"] = true;`, 1, "prototype_pollution"},
		{"process env", `const key = process.env.SECRET;`, 1, "process_env_probe"},
		{"clean handler", `export default query(async (ctx) => ctx.args);`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := s.Scan(tt.source)
			if len(findings) < tt.wantMinCount {
				t.Errorf("got %d findings, want >= %d", len(findings), tt.wantMinCount)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, f := range findings {
					if f.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in findings: %v", tt.wantPattern, findings)
				}
			}
		})
	}
}

func TestScanReportsLines(t *testing.T) {
	s := NewSourceScanner()
	source := "const a = 1;\nconst b = eval(\"2\");\n"
	findings := s.Scan(source)
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	if findings[0].Line != 2 {
		t.Errorf("Line = %d, want 2", findings[0].Line)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
