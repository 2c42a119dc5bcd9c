package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{name: "unset uses default", value: "", def: true, expected: true},
		{name: "true", value: "true", def: false, expected: true},
		{name: "yes", value: "YES", def: false, expected: true},
		{name: "zero", value: "0", def: true, expected: false},
		{name: "off", value: "off", def: true, expected: false},
		{name: "garbage uses default", value: "maybe", def: true, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CITABOT_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("CITABOT_TEST_BOOL", tt.def); got != tt.expected {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CITABOT_TEST_INT", "42")
	if got := ParseIntEnv("CITABOT_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("CITABOT_TEST_INT", "not a number")
	if got := ParseIntEnv("CITABOT_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7 for invalid value, got %d", got)
	}
	t.Setenv("CITABOT_TEST_INT", "")
	if got := ParseIntEnv("CITABOT_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7 for unset value, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CITABOT_TEST_DUR", "45s")
	if got := ParseDurationEnv("CITABOT_TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	t.Setenv("CITABOT_TEST_DUR", "soon")
	if got := ParseDurationEnv("CITABOT_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default 1m for invalid value, got %v", got)
	}
}
