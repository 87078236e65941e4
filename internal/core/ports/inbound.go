package ports

import (
	"context"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// CompletionRequest is the ingress contract for one completion turn.
type CompletionRequest struct {
	History     []domain.CanonicalMessage
	Model       string
	Temperature *float64
	MaxTokens   *int
	Stream      bool
}

// Credential is the bearer token presented by the transport shell.
type Credential struct {
	Token domain.APIKey
}

// CompletionService is the inbound contract the transport shell
// consumes. Transport, serialisation, and routing live outside the
// core; only these capabilities cross the boundary.
type CompletionService interface {
	Complete(ctx context.Context, cred Credential, req CompletionRequest) (domain.CanonicalMessage, error)
	AgentStatus(ctx context.Context, cred Credential) ([]domain.AgentStatus, error)
	IsReady() bool
}
