package idgen_test

import (
	"strings"
	"testing"

	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/google/uuid"
)

func TestNewIsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(idgen.New())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
}

func TestEventIDsAreULIDs(t *testing.T) {
	a := idgen.EventID()
	b := idgen.EventID()
	if len(a) != 26 {
		t.Fatalf("expected 26 char ulid, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids")
	}
}

func TestInstanceIDUnique(t *testing.T) {
	if idgen.InstanceID() == idgen.InstanceID() {
		t.Fatalf("expected distinct instance ids")
	}
}

func TestValidateCustomID(t *testing.T) {
	valid := []string{
		"a",
		"reuse-thread",
		"nightly-digest",
		"my-thread-123",
		"a1",
		"abc",
		"a-b-c",
	}
	for _, id := range valid {
		if err := idgen.ValidateCustomID(id); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", id, err)
		}
	}

	invalid := []string{
		"",
		"-start-dash",
		"end-dash-",
		"1starts-with-digit",
		"UPPERCASE",
		"has spaces",
		"has_underscore",
		"has.dot",
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		if err := idgen.ValidateCustomID(id); err == nil {
			t.Errorf("expected %q to be invalid, got nil error", id)
		}
	}
}

func TestIsGenerated(t *testing.T) {
	if !idgen.IsGenerated(idgen.New()) {
		t.Fatalf("expected generated id to be recognized")
	}
	for _, id := range []string{"", "thread-1", strings.Repeat("a", 36), idgen.EventID()} {
		if idgen.IsGenerated(id) {
			t.Fatalf("did not expect %q to be recognized", id)
		}
	}
}
