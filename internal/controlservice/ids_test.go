package controlservice

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewExecutionIDIsTypeID(t *testing.T) {
	id := NewExecutionID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), "exec"; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
	if other := NewExecutionID(); other == id {
		t.Fatalf("expected distinct ids, got %q twice", id)
	}
}

func TestNewIDFallsBackToTimestampWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	if id := NewBundleSuffix(); !strings.HasPrefix(id, "run-") {
		t.Fatalf("expected fallback id to use timestamp shape, got %q", id)
	}
}
