package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

func TestValidateAcceptsWellFormedMessage(t *testing.T) {
	msg := NewMessage(RoleUser, "hello there", testNow)
	if err := msg.Validate(testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsEmptyContent(t *testing.T) {
	for _, content := range []string{"", "   ", "\t\n"} {
		msg := NewMessage(RoleUser, content, testNow)
		err := msg.Validate(testNow)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("content %q: expected invalid message, got %v", content, err)
		}
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	msg := NewMessage(Role("oracle"), "hi", testNow)
	if err := msg.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
}

func TestValidateTimestampBounds(t *testing.T) {
	future := NewMessage(RoleUser, "hi", testNow.Add(2*time.Hour))
	if err := future.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected rejection for far-future timestamp, got %v", err)
	}

	within := NewMessage(RoleUser, "hi", testNow.Add(30*time.Minute))
	if err := within.Validate(testNow); err != nil {
		t.Fatalf("timestamp within skew rejected: %v", err)
	}

	ancient := NewMessage(RoleUser, "hi", testNow.AddDate(-101, 0, 0))
	if err := ancient.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected rejection for century-old timestamp, got %v", err)
	}
}

func TestValidateMetadataEntries(t *testing.T) {
	bad := NewMessageWithMetadata(RoleUser, "hi", testNow, map[string]string{"": "v"})
	if err := bad.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected rejection for empty key, got %v", err)
	}

	bad = NewMessageWithMetadata(RoleUser, "hi", testNow, map[string]string{"k": ""})
	if err := bad.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected rejection for empty value, got %v", err)
	}

	good := NewMessageWithMetadata(RoleUser, "hi", testNow, map[string]string{"source": "cli"})
	if err := good.Validate(testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateMissingID(t *testing.T) {
	msg := CanonicalMessage{Role: RoleUser, Content: "hi", Timestamp: testNow}
	if err := msg.Validate(testNow); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected rejection for zero id, got %v", err)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	original := NewMessageWithMetadata(RoleAssistant, "the reply", testNow, map[string]string{
		"model":  "m1",
		"source": "test",
	})

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded CanonicalMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != original.ID {
		t.Fatalf("id mismatch: %s vs %s", decoded.ID, original.ID)
	}
	if decoded.Role != original.Role || decoded.Content != original.Content {
		t.Fatal("role or content mismatch after round trip")
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch: %v vs %v", decoded.Timestamp, original.Timestamp)
	}
	if len(decoded.Metadata) != len(original.Metadata) {
		t.Fatal("metadata lost in round trip")
	}
	for k, v := range original.Metadata {
		if decoded.Metadata[k] != v {
			t.Fatalf("metadata[%s] mismatch", k)
		}
	}
	if err := decoded.Validate(testNow); err != nil {
		t.Fatalf("round-tripped message fails validation: %v", err)
	}
}

func TestRoleSerialisesLowercase(t *testing.T) {
	raw, err := json.Marshal(NewMessage(RoleSystem, "x", testNow))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatal("invalid json")
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["role"] != "system" {
		t.Fatalf("role serialised as %v", decoded["role"])
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := NewMessageWithMetadata(RoleUser, "hi", testNow, map[string]string{"k": "v"})
	clone := original.Clone()
	clone.Metadata["k"] = "changed"
	if original.Metadata["k"] != "v" {
		t.Fatal("clone aliases metadata")
	}
}

func TestMessageIDLexicalForm(t *testing.T) {
	id := NewMessageID()
	parsed, err := ParseMessageID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatal("lexical round trip changed the id")
	}
	if _, err := ParseMessageID("not-a-uuid"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
}

func TestAgentIDUniqueness(t *testing.T) {
	seen := make(map[AgentID]bool)
	for i := 0; i < 1000; i++ {
		id := NewAgentID()
		if seen[id] {
			t.Fatal("agent id reused")
		}
		seen[id] = true
	}
}
