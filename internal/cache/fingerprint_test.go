package cache

import (
	"testing"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(map[string]string{"channel": "phone", "batch": "r3"})
	b := Fingerprint(map[string]string{"batch": "r3", "channel": "phone"})
	if a != b {
		t.Fatalf("same attrs hashed differently: %s vs %s", a, b)
	}
}

func TestFingerprintDistinguishesFilters(t *testing.T) {
	a := Fingerprint(map[string]string{"channel": "phone"})
	b := Fingerprint(map[string]string{"channel": "field"})
	if a == b {
		t.Fatalf("different attrs collided: %s", a)
	}
	if a == Fingerprint(nil) {
		t.Fatalf("non-empty filter collided with empty filter")
	}
}

func TestFingerprintKeyValueBoundary(t *testing.T) {
	// "ab"="c" must not hash like "a"="bc".
	a := Fingerprint(map[string]string{"ab": "c"})
	b := Fingerprint(map[string]string{"a": "bc"})
	if a == b {
		t.Fatalf("boundary collision: %s", a)
	}
}
