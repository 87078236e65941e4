package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageID is an opaque 128-bit identifier for a message. IDs are
// assigned once at creation and never reused.
type MessageID uuid.UUID

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func ParseMessageID(s string) (MessageID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, &MessageError{Reason: fmt.Sprintf("malformed message id: %v", err)}
	}
	return MessageID(parsed), nil
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func (id MessageID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MessageID) UnmarshalText(data []byte) error {
	parsed, err := ParseMessageID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AgentID is an opaque 128-bit identifier for an agent actor.
type AgentID uuid.UUID

func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

func ParseAgentID(s string) (AgentID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, &MessageError{Reason: fmt.Sprintf("malformed agent id: %v", err)}
	}
	return AgentID(parsed), nil
}

func (id AgentID) String() string {
	return uuid.UUID(id).String()
}

func (id AgentID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id AgentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *AgentID) UnmarshalText(data []byte) error {
	parsed, err := ParseAgentID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// Timestamp bounds relative to the validation instant. A message must
// not claim to come from more than one hour in the future or more than
// one century in the past.
const (
	maxFutureSkew = time.Hour
	maxPastAge    = 100 * 365 * 24 * time.Hour
)

// CanonicalMessage is the single conversational payload crossing every
// internal boundary. Fields are immutable after creation; Validate is
// the only legal gate for publishing one.
type CanonicalMessage struct {
	ID        MessageID         `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with the given instant.
func NewMessage(role Role, content string, ts time.Time) CanonicalMessage {
	return CanonicalMessage{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: ts.UTC(),
	}
}

// NewMessageWithMetadata creates a message carrying metadata key/value
// pairs. The map is copied; callers keep ownership of theirs.
func NewMessageWithMetadata(role Role, content string, ts time.Time, metadata map[string]string) CanonicalMessage {
	msg := NewMessage(role, content, ts)
	if len(metadata) > 0 {
		msg.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			msg.Metadata[k] = v
		}
	}
	return msg
}

// Validate checks every invariant against the supplied instant. It is
// total: it returns either nil or a *MessageError, never panics.
func (m CanonicalMessage) Validate(now time.Time) error {
	if m.ID.IsZero() {
		return &MessageError{Reason: "missing message id"}
	}
	if !m.Role.Valid() {
		return &MessageError{Reason: fmt.Sprintf("unknown role %q", string(m.Role))}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &MessageError{Reason: "content is empty"}
	}
	if m.Timestamp.IsZero() {
		return &MessageError{Reason: "missing timestamp"}
	}
	if m.Timestamp.After(now.Add(maxFutureSkew)) {
		return &MessageError{Reason: "timestamp is more than one hour in the future"}
	}
	if m.Timestamp.Before(now.Add(-maxPastAge)) {
		return &MessageError{Reason: "timestamp is more than a century in the past"}
	}
	for k, v := range m.Metadata {
		if k == "" {
			return &MessageError{Reason: "metadata key is empty"}
		}
		if v == "" {
			return &MessageError{Reason: fmt.Sprintf("metadata value for %q is empty", k)}
		}
	}
	return nil
}

// Clone returns a deep copy. Memory owns its copy of every accepted
// message; adapters receive clones, never aliases.
func (m CanonicalMessage) Clone() CanonicalMessage {
	out := m
	if len(m.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneHistory deep-copies an ordered history slice.
func CloneHistory(history []CanonicalMessage) []CanonicalMessage {
	if history == nil {
		return nil
	}
	out := make([]CanonicalMessage, len(history))
	for i, msg := range history {
		out[i] = msg.Clone()
	}
	return out
}
