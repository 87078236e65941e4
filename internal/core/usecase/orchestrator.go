// Package usecase hosts the orchestration entry points the transport
// shell consumes: completion routing and agent status.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/auth"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/engine"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/memory"
)

// DefaultRequestTimeout bounds one completion request end to end.
const DefaultRequestTimeout = 30 * time.Second

// Orchestrator routes completion requests to agents through the
// supervisor and enforces authorization at the boundary.
type Orchestrator struct {
	keys           *auth.KeyStore
	supervisor     *engine.Supervisor
	consolidator   *memory.Consolidator
	manager        *memory.Manager
	clock          ports.Clock
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewOrchestrator(
	keys *auth.KeyStore,
	supervisor *engine.Supervisor,
	consolidator *memory.Consolidator,
	manager *memory.Manager,
	clock ports.Clock,
	requestTimeout time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		keys:           keys,
		supervisor:     supervisor,
		consolidator:   consolidator,
		manager:        manager,
		clock:          clock,
		logger:         logger.With("component", "orchestrator"),
		requestTimeout: requestTimeout,
	}
}

// Complete services one completion turn: authorize at Write, validate,
// route to an agent, await the reply. Retriable upstream failures get
// a single re-dispatch before surfacing.
func (o *Orchestrator) Complete(ctx context.Context, cred ports.Credential, req ports.CompletionRequest) (domain.CanonicalMessage, error) {
	if _, err := o.keys.Authorize(cred.Token, domain.LevelWrite); err != nil {
		return domain.CanonicalMessage{}, err
	}

	now := o.clock.Now()
	history, err := o.validateRequest(req, now)
	if err != nil {
		return domain.CanonicalMessage{}, err
	}

	reply, err := o.dispatchAndAwait(ctx, history, now)
	if err != nil && domain.IsRetriableUpstream(err) {
		o.logger.Warn("completion_retry", "error", err)
		reply, err = o.dispatchAndAwait(ctx, history, o.clock.Now())
	}
	if err != nil {
		return domain.CanonicalMessage{}, o.sanitize(err)
	}
	return reply, nil
}

func (o *Orchestrator) dispatchAndAwait(ctx context.Context, history []domain.CanonicalMessage, now time.Time) (domain.CanonicalMessage, error) {
	agent, err := o.supervisor.PickAvailable()
	if err != nil {
		return domain.CanonicalMessage{}, err
	}

	deadline := now.Add(o.requestTimeout)
	inv := engine.NewInvocation(history, deadline)
	inv.CallerDone = ctx.Done()

	if err := o.supervisor.Dispatch(agent, inv); err != nil {
		return domain.CanonicalMessage{}, err
	}

	timer := time.NewTimer(o.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-inv.Reply:
		if reply.Err != nil {
			return domain.CanonicalMessage{}, reply.Err
		}
		return reply.Message, nil
	case <-ctx.Done():
		return domain.CanonicalMessage{}, domain.ErrTimeout
	case <-timer.C:
		return domain.CanonicalMessage{}, domain.ErrTimeout
	}
}

// validateRequest checks every message and the optional tuning fields,
// returning a cloned history annotated with the provider hints.
func (o *Orchestrator) validateRequest(req ports.CompletionRequest, now time.Time) ([]domain.CanonicalMessage, error) {
	if len(req.History) == 0 {
		return nil, &domain.MessageError{Reason: "history is empty"}
	}
	for _, msg := range req.History {
		if err := msg.Validate(now); err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, &domain.MessageError{Reason: "temperature must be within [0.0, 2.0]"}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, &domain.MessageError{Reason: "max_tokens must be positive"}
	}

	history := domain.CloneHistory(req.History)
	last := &history[len(history)-1]
	if req.Model != "" || req.Temperature != nil || req.MaxTokens != nil || req.Stream {
		if last.Metadata == nil {
			last.Metadata = make(map[string]string, 4)
		}
		if req.Model != "" {
			last.Metadata["model"] = req.Model
		}
		if req.Temperature != nil {
			last.Metadata["temperature"] = strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
		}
		if req.MaxTokens != nil {
			last.Metadata["max_tokens"] = strconv.Itoa(*req.MaxTokens)
		}
		if req.Stream {
			last.Metadata["stream"] = "true"
		}
	}
	return history, nil
}

// AgentStatus reports the live pool; requires Read.
func (o *Orchestrator) AgentStatus(ctx context.Context, cred ports.Credential) ([]domain.AgentStatus, error) {
	if _, err := o.keys.Authorize(cred.Token, domain.LevelRead); err != nil {
		return nil, err
	}
	_ = ctx
	return o.supervisor.Statuses(), nil
}

// IsReady gates readiness probes: supervisor loop up, consolidator
// running, memory healthy.
func (o *Orchestrator) IsReady() bool {
	return o.supervisor.Running() && o.consolidator.Running() && o.manager.Healthy()
}

// ReportBudget exposes the cross-tier token budget.
func (o *Orchestrator) ReportBudget() domain.TokenBudget {
	return o.manager.ReportBudget()
}

// sanitize hides internal detail behind a correlation id while letting
// every typed domain error through verbatim.
func (o *Orchestrator) sanitize(err error) error {
	switch {
	case domain.IsKind(err, domain.ErrInvalidMessage),
		domain.IsKind(err, domain.ErrInvalidStateTransition),
		domain.IsKind(err, domain.ErrInvalidAPIKeyFormat),
		domain.IsKind(err, domain.ErrAuthenticationFailed),
		domain.IsKind(err, domain.ErrAuthorizationFailed),
		domain.IsKind(err, domain.ErrUnavailable),
		domain.IsKind(err, domain.ErrUpstream),
		domain.IsKind(err, domain.ErrTimeout),
		domain.IsKind(err, domain.ErrNotFound),
		domain.IsKind(err, domain.ErrDomainViolation):
		return err
	default:
		correlationID := uuid.NewString()
		o.logger.Error("internal_failure", "correlation_id", correlationID, "error", fmt.Sprintf("%v", err))
		return &domain.InternalError{Context: "completion", CorrelationID: correlationID}
	}
}

var _ ports.CompletionService = (*Orchestrator)(nil)
