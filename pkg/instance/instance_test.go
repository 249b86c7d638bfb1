package instance

import "testing"

func TestGetIDPrefersOverride(t *testing.T) {
	t.Setenv(EnvInstanceID, "validator-7")
	if got := GetID(); got != "validator-7" {
		t.Fatalf("expected override, got %q", got)
	}
	if got := ConsumerTag("validator"); got != "validator@validator-7" {
		t.Fatalf("unexpected consumer tag %q", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv(EnvInstanceID, "")
	if got := GetID(); got == "" {
		t.Fatal("expected a non-empty instance id")
	}
}
