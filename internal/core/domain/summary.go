package domain

import (
	"strings"
	"time"
)

// ConversationSummary is the condensed record the consolidator writes
// to medium-term memory. Its ID doubles as the long-term index point id.
type ConversationSummary struct {
	ID             MessageID `json:"id"`
	AgentID        AgentID   `json:"agent_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	MessageCount   uint64    `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewConversationSummary stamps a fresh summary at the given instant.
func NewConversationSummary(agent AgentID, conversationID, text string, messageCount uint64, now time.Time) ConversationSummary {
	return ConversationSummary{
		ID:             NewMessageID(),
		AgentID:        agent,
		ConversationID: conversationID,
		Text:           text,
		MessageCount:   messageCount,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func (s ConversationSummary) Validate() error {
	if s.ID.IsZero() {
		return &MessageError{Reason: "summary id is missing"}
	}
	if s.AgentID.IsZero() {
		return &MessageError{Reason: "summary agent id is missing"}
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return &MessageError{Reason: "summary conversation id is empty"}
	}
	if strings.TrimSpace(s.Text) == "" {
		return &MessageError{Reason: "summary text is empty"}
	}
	return nil
}

// Update replaces the text and count, advancing UpdatedAt.
func (s *ConversationSummary) Update(text string, messageCount uint64, now time.Time) {
	s.Text = text
	s.MessageCount = messageCount
	s.UpdatedAt = now.UTC()
}

// AgentStatus is the externally visible view of one agent.
type AgentStatus struct {
	ID                AgentID    `json:"id"`
	State             AgentState `json:"state"`
	LastActivity      time.Time  `json:"last_activity"`
	MessagesProcessed uint64     `json:"messages_processed"`
}

// RuntimeEvent is the structured observability record emitted by the
// supervisor and the consolidator.
type RuntimeEvent struct {
	Kind    string            `json:"kind"`
	AgentID string            `json:"agent_id,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Runtime event kinds.
const (
	EventAgentSpawned          = "agent_spawned"
	EventAgentTerminated       = "agent_terminated"
	EventAgentRestarted        = "agent_restarted"
	EventAgentPanicked         = "agent_panicked"
	EventZombieDetected        = "zombie_detected"
	EventShutdownStarted       = "shutdown_started"
	EventShutdownCompleted     = "shutdown_completed"
	EventConsolidationStarted  = "consolidation_started"
	EventConsolidationComplete = "consolidation_completed"
	EventConsolidationFailed   = "consolidation_failed"
	EventEmbeddingRetryQueued  = "embedding_retry_queued"
)
