package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestAuthLevelOrdering(t *testing.T) {
	if !LevelRead.Satisfies(LevelRead) {
		t.Fatal("read must satisfy read")
	}
	if LevelRead.Satisfies(LevelWrite) {
		t.Fatal("read must not satisfy write")
	}
	if !LevelWrite.Satisfies(LevelRead) {
		t.Fatal("write must satisfy read")
	}
	if LevelWrite.Satisfies(LevelAdmin) {
		t.Fatal("write must not satisfy admin")
	}
	if !LevelAdmin.Satisfies(LevelWrite) {
		t.Fatal("admin must satisfy write")
	}
}

func TestParseAuthLevel(t *testing.T) {
	for raw, want := range map[string]AuthLevel{"read": LevelRead, "write": LevelWrite, "admin": LevelAdmin} {
		got, err := ParseAuthLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseAuthLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseAuthLevel("root"); !errors.Is(err, ErrInvalidAPIKeyFormat) {
		t.Fatalf("expected invalid format, got %v", err)
	}
}

func TestAPIKeyFormat(t *testing.T) {
	if err := APIKey("sk-1234567890123456").ValidateFormat(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := APIKey("short").ValidateFormat(); !errors.Is(err, ErrInvalidAPIKeyFormat) {
		t.Fatalf("short key accepted: %v", err)
	}
	if err := APIKey("").ValidateFormat(); !errors.Is(err, ErrInvalidAPIKeyFormat) {
		t.Fatalf("empty key accepted: %v", err)
	}
	long := APIKey(strings.Repeat("a", 513))
	if err := long.ValidateFormat(); !errors.Is(err, ErrInvalidAPIKeyFormat) {
		t.Fatalf("oversized key accepted: %v", err)
	}
}

func TestAPIKeyRedaction(t *testing.T) {
	key := APIKey("sk-very-secret-material")
	if key.String() != "[redacted]" {
		t.Fatalf("key leaks through String: %s", key.String())
	}
	if strings.Contains(key.String(), "secret") {
		t.Fatal("redaction failed")
	}
}

func TestAPIKeyEqualConstantTime(t *testing.T) {
	a := APIKey("sk-1234567890123456")
	b := APIKey("sk-1234567890123456")
	c := APIKey("sk-6543210987654321")
	if !a.Equal(b) {
		t.Fatal("equal keys compare unequal")
	}
	if a.Equal(c) {
		t.Fatal("different keys compare equal")
	}
}

func TestAPIKeyIDValidation(t *testing.T) {
	valid := []string{"vendor-1", "VENDOR_2", "abc123", "a"}
	for _, id := range valid {
		if err := APIKeyID(id).Validate(); err != nil {
			t.Fatalf("valid id %q rejected: %v", id, err)
		}
	}
	invalid := []string{"", "has space", "has@sign", strings.Repeat("x", 256)}
	for _, id := range invalid {
		if err := APIKeyID(id).Validate(); !errors.Is(err, ErrInvalidAPIKeyFormat) {
			t.Fatalf("invalid id %q accepted", id)
		}
	}
}

func TestIdentityAuthorize(t *testing.T) {
	identity := Identity{ID: "k2", Level: LevelRead}
	err := identity.Authorize(LevelWrite)
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if authErr.Required != LevelWrite || authErr.Actual != LevelRead {
		t.Fatalf("error detail wrong: required=%s actual=%s", authErr.Required, authErr.Actual)
	}

	if err := (Identity{Level: LevelAdmin}).Authorize(LevelWrite); err != nil {
		t.Fatalf("admin should satisfy write: %v", err)
	}
}

func TestUnavailableErrorKind(t *testing.T) {
	err := Unavailable(ReasonBackpressure)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatal("unavailable error does not match kind")
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonBackpressure {
		t.Fatalf("reason lost: %v", err)
	}
}

func TestUpstreamErrorRetriable(t *testing.T) {
	retriable := &UpstreamError{Provider: "p", Retriable: true, Err: errors.New("x")}
	if !IsRetriableUpstream(retriable) {
		t.Fatal("retriable flag not detected")
	}
	fatal := &UpstreamError{Provider: "p", Retriable: false, Err: errors.New("x")}
	if IsRetriableUpstream(fatal) {
		t.Fatal("non-retriable flagged retriable")
	}
	if IsRetriableUpstream(errors.New("plain")) {
		t.Fatal("plain error flagged retriable")
	}
}

func TestTokenBudget(t *testing.T) {
	budget := TokenBudget{Short: 1000, Medium: 2000, Long: 3000}
	if budget.Total() != 6000 {
		t.Fatalf("total = %d", budget.Total())
	}
	if budget.Exceeded() {
		t.Fatal("unlimited budget cannot be exceeded")
	}

	budget.MaxTotal = 5000
	if !budget.Exceeded() {
		t.Fatal("budget over cap not detected")
	}
	remaining, ok := budget.Remaining()
	if !ok || remaining != 0 {
		t.Fatalf("remaining = %d, %t", remaining, ok)
	}

	budget.MaxTotal = 10_000
	remaining, ok = budget.Remaining()
	if !ok || remaining != 4000 {
		t.Fatalf("remaining = %d, %t", remaining, ok)
	}
}
