package hosterr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("permission denied")
	err := fmt.Errorf("install: %w", Wrap(base, PrivilegeDenied, "open hosts file"))

	if got := KindOf(err); got != PrivilegeDenied {
		t.Fatalf("KindOf = %s, want %s", got, PrivilegeDenied)
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
	if KindOf(base) != KindUnknown {
		t.Error("expected foreign error to be KindUnknown")
	}
	if Wrap(nil, WriteFailed, "noop") != nil {
		t.Error("expected Wrap(nil) to stay nil")
	}
}

func TestNewFetchErrorClassifiesTimeout(t *testing.T) {
	err := NewFetchError("https://example.com/hosts", context.DeadlineExceeded)
	if err.Kind != FetchTimeout {
		t.Fatalf("kind = %s, want timeout", err.Kind)
	}
	if status := StatusError("https://example.com/hosts", 503); status.StatusCode != 503 || status.Kind != FetchHTTPStatus {
		t.Fatalf("unexpected status error %+v", status)
	}
}

func TestAsHostError(t *testing.T) {
	if AsHostError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	he := AsHostError(errors.New("boom"))
	if he.Kind != KindUnknown || he.Error() != "unclassified failure: boom" {
		t.Fatalf("unexpected host error %+v (%s)", he, he.Error())
	}
}
