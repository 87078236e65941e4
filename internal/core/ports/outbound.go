package ports

import (
	"context"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// StreamChunk is one fragment of a streamed completion. A non-nil Err
// terminates the stream.
type StreamChunk struct {
	Content string
	Err     error
}

// LLMProvider completes or streams a conversation. The returned message
// carries the assistant role; failures are mapped to UpstreamError with
// the retriable flag derived from provider semantics.
type LLMProvider interface {
	Complete(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error)
	// Stream yields content fragments until the channel closes. The
	// stream is cancelled through ctx.
	Stream(ctx context.Context, history []domain.CanonicalMessage) (<-chan StreamChunk, error)
}

// SearchHit is one long-term index result.
type SearchHit struct {
	ID    string
	Score float32
}

// VectorIndex stores summary embeddings under opaque ids. Search
// returns hits in non-increasing score order with ties broken by id so
// results stay deterministic.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dim int, metric string) error
	Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error
	Search(ctx context.Context, query []float32, k int) ([]SearchHit, error)
}

// SummaryStore persists conversation summaries keyed by
// (agent, conversation). Single-key writes are atomic; the store
// survives restarts. Get returns domain.ErrNotFound for a missing key;
// Delete is idempotent.
type SummaryStore interface {
	Put(ctx context.Context, summary domain.ConversationSummary) error
	Get(ctx context.Context, agent domain.AgentID, conversationID string) (domain.ConversationSummary, error)
	List(ctx context.Context, agent domain.AgentID, limit int) ([]domain.ConversationSummary, error)
	Delete(ctx context.Context, agent domain.AgentID, conversationID string) error
}

// Embedder turns text into a fixed-dimension vector. Kept separate from
// LLMProvider so the embedding source can be swapped without widening
// the completion port.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Clock supplies the current UTC instant. Injectable for deterministic
// tests.
type Clock interface {
	Now() time.Time
}

// EventSink receives structured runtime events from the supervisor and
// the consolidator.
type EventSink interface {
	Publish(ctx context.Context, event domain.RuntimeEvent) error
}
