package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_SortsByTime(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()
	if a == b {
		t.Fatal("duplicate IDs")
	}
	if a > b {
		t.Errorf("UUIDv7 should sort by creation: %s > %s", a, b)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("uuid.Parse(%s): %v", a, err)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("ev_", UUIDv7())()
	if !strings.HasPrefix(id, "ev_") {
		t.Errorf("missing prefix: %s", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "ev_")); err != nil {
		t.Errorf("suffix is not a UUID: %v", err)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("ev_")
	if gen() != "ev_1" || gen() != "ev_2" {
		t.Error("sequence should count from 1")
	}
}
