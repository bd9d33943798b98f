package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// SourceScanner flags patterns in function source that probe for host
// capabilities the runtime removes. Findings are advisory; the lockdown is
// what actually blocks these APIs at execution time.
type SourceScanner struct {
	patterns []ScanPattern
}

// ScanPattern defines a suspicious pattern to match.
type ScanPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for scan findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Finding represents a matched suspicious pattern.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewSourceScanner creates a scanner with the default patterns.
func NewSourceScanner() *SourceScanner {
	return &SourceScanner{
		patterns: defaultPatterns(),
	}
}

// Scan checks function source for suspicious patterns before it is stored.
func (s *SourceScanner) Scan(source string) []Finding {
	var findings []Finding

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, p := range s.patterns {
			if p.Regex.MatchString(line) {
				f := Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				findings = append(findings, f)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern in function source")
			}
		}
	}

	return findings
}

func defaultPatterns() []ScanPattern {
	return []ScanPattern{
		{
			Name:        "host_namespace_probe",
			Description: "Referencing the Deno host namespace",
			Regex:       regexp.MustCompile(`\bDeno\s*[.\[]`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "network_api",
			Description: "Referencing a removed network API",
			Regex:       regexp.MustCompile(`\b(fetch|XMLHttpRequest|WebSocket)\s*\(|new\s+(Request|Response|Headers|WebSocket)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_eval",
			Description: "Constructing code from strings at runtime",
			Regex:       regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "node_builtin_import",
			Description: "Importing a Node builtin the runtime does not provide",
			Regex:       regexp.MustCompile(`from\s+["']node:|require\s*\(\s*["']node:`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "remote_import",
			Description: "Importing from a URL instead of a stored artifact",
			Regex:       regexp.MustCompile(`from\s+["']https?://|import\s*\(\s*["']https?://`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "internal_ops_probe",
			Description: "Reaching for the runtime's internal op table",
			Regex:       regexp.MustCompile(`__plts_internal_ops`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "prototype_pollution",
			Description: "Writing through __proto__ or constructor.prototype",
			Regex:       regexp.MustCompile(`__proto__\s*[=\[]|constructor\s*\.\s*prototype\s*[=\[]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "process_env_probe",
			Description: "Reading process environment that does not exist here",
			Regex:       regexp.MustCompile(`\bprocess\s*\.\s*env\b`),
			Severity:    SeverityLow,
		},
	}
}
