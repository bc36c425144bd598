package util

import (
	"testing"
	"time"
)

func TestNewIDTimeSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if a >= b {
		t.Errorf("expected ids to sort by creation time: %s >= %s", a, b)
	}
	if _, ok := ParseID(a); !ok {
		t.Errorf("NewID produced an unparseable uuid: %s", a)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CW_TEST_INT", "42")
	if got := ParseIntEnv("CW_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("CW_TEST_INT", "not-a-number")
	if got := ParseIntEnv("CW_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
	if got := ParseIntEnv("CW_TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("ParseIntEnv unset = %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CW_TEST_DUR", "300s")
	if got := ParseDurationEnv("CW_TEST_DUR", time.Minute); got != 5*time.Minute {
		t.Errorf("ParseDurationEnv = %v, want 5m", got)
	}
	t.Setenv("CW_TEST_DUR", "bogus")
	if got := ParseDurationEnv("CW_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv invalid = %v, want default 1m", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("CW_TEST_BOOL", "on")
	if !ParseBoolEnv("CW_TEST_BOOL", false) {
		t.Error("expected 'on' to parse true")
	}
	t.Setenv("CW_TEST_BOOL", "0")
	if ParseBoolEnv("CW_TEST_BOOL", true) {
		t.Error("expected '0' to parse false")
	}
	t.Setenv("CW_TEST_BOOL", "maybe")
	if !ParseBoolEnv("CW_TEST_BOOL", true) {
		t.Error("expected invalid value to fall back to default")
	}
}
