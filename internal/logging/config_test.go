package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"TRACE", zerolog.TraceLevel, true},
		{" debug ", zerolog.DebugLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) got=(%v,%v) want=(%v,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseBool(t *testing.T) {
	if v, ok := parseBool("true"); !v || !ok {
		t.Fatalf("expected true,true got %v,%v", v, ok)
	}
	if _, ok := parseBool("maybe"); ok {
		t.Fatalf("expected invalid bool to be rejected")
	}
	if _, ok := parseBool(""); ok {
		t.Fatalf("expected empty bool to be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogBypass, "1")
	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.Bypass {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigureWithWritesJSONWhenBypassed(t *testing.T) {
	prev := Logger()
	defer func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	}()

	var buf bytes.Buffer
	ConfigureWith(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	Debugf("hidden=%d", 1)
	Infof("sinks.Registry.load count=%d", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, `"message":"sinks.Registry.load count=3"`) {
		t.Fatalf("unexpected output: %q", out)
	}
}
