package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"broker/poll",
		CodeTransientPoll,
		WithHTTP(503),
		WithMessage("broker unavailable"),
		WithField("session", "abc123"),
		WithField("queue", "orders-store-42"),
		WithRemediation("wait for the next tick"),
		WithCause(errors.New("upstream 503")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=broker/poll") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=transient_poll") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=503") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedFields := `fields=queue="orders-store-42",session="abc123"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `cause="upstream 503"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New("broker/poll", CodeSessionExpired, WithHTTP(401))
	wrapped := fmt.Errorf("poll tick: %w", err)

	if !errors.Is(wrapped, ErrSessionExpired) {
		t.Fatalf("expected wrapped error to match ErrSessionExpired")
	}
	if errors.Is(wrapped, ErrTransientPoll) {
		t.Fatalf("session expiry must not match transient poll")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("queue/append", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
	err := fmt.Errorf("wrap: %w", New("normalize", CodeNormalization))
	if got := CodeOf(err); got != CodeNormalization {
		t.Fatalf("expected normalization code, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil> marker")
	}
}
