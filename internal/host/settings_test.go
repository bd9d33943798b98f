package host

import "testing"

func TestParseDurationMS(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantMS int64
		wantOK bool
	}{
		{"empty", "", 0, false},
		{"zero", "0", 0, false},
		{"bare millis", "50", 50, true},
		{"explicit ms", "250ms", 250, true},
		{"seconds", "2s", 2000, true},
		{"fractional seconds", "1.5s", 1500, true},
		{"minutes", "2min", 120000, true},
		{"hours", "1h", 3600000, true},
		{"days", "1d", 86400000, true},
		{"microseconds round up", "1500us", 2, true},
		{"sub-ms micros round up", "1us", 1, true},
		{"whitespace", "  30 s ", 30000, true},
		{"negative", "-5", 0, false},
		{"garbage", "soon", 0, false},
		{"unknown unit", "5parsecs", 0, false},
		{"unit only", "ms", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, ok := ParseDurationMS(tt.raw)
			if ok != tt.wantOK || ms != tt.wantMS {
				t.Errorf("ParseDurationMS(%q) = (%d, %v), want (%d, %v)", tt.raw, ms, ok, tt.wantMS, tt.wantOK)
			}
		})
	}
}

func TestParseHeapBytes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantBytes int64
		wantOK    bool
	}{
		{"empty", "", 0, false},
		{"zero", "0", 0, false},
		{"bare number is megabytes", "64", 64 << 20, true},
		{"explicit mb", "64mb", 64 << 20, true},
		{"kilobytes", "512kb", 512 << 10, true},
		{"gigabytes", "1g", 1 << 30, true},
		{"bytes", "4096b", 4096, true},
		{"fractional", "1.5mb", 3 << 19, true},
		{"negative", "-1", 0, false},
		{"unknown unit", "2tb", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ok := ParseHeapBytes(tt.raw)
			if ok != tt.wantOK || b != tt.wantBytes {
				t.Errorf("ParseHeapBytes(%q) = (%d, %v), want (%d, %v)", tt.raw, b, ok, tt.wantBytes, tt.wantOK)
			}
		})
	}
}

func TestParsePositiveInt(t *testing.T) {
	tests := []struct {
		raw    string
		want   int
		wantOK bool
	}{
		{"10", 10, true},
		{" 7 ", 7, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"ten", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePositiveInt(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParsePositiveInt(%q) = (%d, %v), want (%d, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResolveRuntimeTimeoutMS(t *testing.T) {
	tests := []struct {
		name      string
		statement int64
		runtime   int64
		want      int64
	}{
		{"both set stricter wins", 5000, 2000, 2000},
		{"both set statement stricter", 1000, 2000, 1000},
		{"statement only", 5000, 0, 5000},
		{"runtime only", 0, 3000, 3000},
		{"neither", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveRuntimeTimeoutMS(tt.statement, tt.runtime); got != tt.want {
				t.Errorf("ResolveRuntimeTimeoutMS(%d, %d) = %d, want %d", tt.statement, tt.runtime, got, tt.want)
			}
		})
	}
}
