package factors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMatchesByClass(t *testing.T) {
	err := fmt.Errorf("resolve source: %w", NewResolveError("api", errors.New("no such digest")))
	if !errors.Is(err, &Error{Class: ClassResolve}) {
		t.Error("resolve error does not match its class")
	}
	if errors.Is(err, &Error{Class: ClassTrap}) {
		t.Error("resolve error matches a foreign class")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := NewAccessDeniedError("networking", "api", "host not allowed")
	msg := err.Error()
	for _, want := range []string{"access-denied", "networking", "api", "host not allowed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
