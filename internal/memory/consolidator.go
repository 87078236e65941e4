package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
)

// Consolidator defaults.
const (
	DefaultConsolidationInterval = 30 * time.Second
	DefaultConsolidationTimeout  = 120 * time.Second
	DefaultMediumThreshold       = 10
	DefaultMediumMaxAge          = 24 * time.Hour
)

const synthesisInstruction = "Summarize the following conversation in concise factual form. " +
	"Include user goals, key facts, decisions, and open items. Return plain text."

// ConsolidatorConfig tunes the background consolidation task.
type ConsolidatorConfig struct {
	Interval         time.Duration
	StepTimeout      time.Duration
	MaxSummaryTokens uint64
	MediumThreshold  int
	MediumMaxAge     time.Duration
	EmbeddingDim     int
	Metric           string
}

func (c ConsolidatorConfig) normalize() ConsolidatorConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultConsolidationInterval
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = DefaultConsolidationTimeout
	}
	if out.MediumThreshold <= 0 {
		out.MediumThreshold = DefaultMediumThreshold
	}
	if out.MediumMaxAge <= 0 {
		out.MediumMaxAge = DefaultMediumMaxAge
	}
	if out.Metric == "" {
		out.Metric = "cosine"
	}
	return out
}

// ConsolidatorMetrics is the subset of runtime metrics the dreamer
// reports into. Nil-safe at the call sites.
type ConsolidatorMetrics interface {
	RecordConsolidation(priority, status string)
	ObserveConsolidationDuration(seconds float64)
}

// Consolidator is the background task moving conversation data
// short -> medium -> long. One instance runs per process.
type Consolidator struct {
	manager  *Manager
	provider ports.LLMProvider
	clock    ports.Clock
	logger   *slog.Logger
	events   ports.EventSink
	metrics  ConsolidatorMetrics
	cfg      ConsolidatorConfig

	// Summaries persisted to medium-term whose embedding or upsert
	// failed; retried on the next low-priority tick.
	pendingEmbeds map[string]domain.ConversationSummary

	collectionReady bool
	running         atomic.Bool
}

func NewConsolidator(
	manager *Manager,
	provider ports.LLMProvider,
	clock ports.Clock,
	cfg ConsolidatorConfig,
	logger *slog.Logger,
	events ports.EventSink,
	metrics ConsolidatorMetrics,
) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		manager:       manager,
		provider:      provider,
		clock:         clock,
		logger:        logger.With("component", "consolidator"),
		events:        events,
		metrics:       metrics,
		cfg:           cfg.normalize(),
		pendingEmbeds: make(map[string]domain.ConversationSummary),
	}
}

// Running reports whether the dreamer loop has started.
func (c *Consolidator) Running() bool {
	return c.running.Load()
}

// Run drives the dreamer loop until ctx is cancelled. It wakes on the
// periodic tick and on explicit signals from Manager.Append.
func (c *Consolidator) Run(ctx context.Context) error {
	c.running.Store(true)
	c.manager.SetHealthy(true)
	defer func() {
		c.running.Store(false)
		c.manager.SetHealthy(false)
	}()

	c.ensureCollection(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("consolidator_started", "interval", c.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consolidator_stopped")
			return nil
		case sig := <-c.manager.Signals():
			c.handleSignal(ctx, sig)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Consolidator) handleSignal(ctx context.Context, sig Signal) {
	switch sig.Priority {
	case PriorityCritical, PriorityHigh:
		c.consolidateAgent(ctx, sig.Agent, sig.Priority, sig.Reason)
	default:
		c.maintain(ctx)
	}
}

// tick scans every agent: threshold-crossed buffers get a high cycle,
// then low-priority maintenance runs.
func (c *Consolidator) tick(ctx context.Context) {
	for _, agent := range c.manager.Agents() {
		if ctx.Err() != nil {
			return
		}
		buf := c.manager.Buffer(agent)
		switch {
		case buf.AboveCritical():
			c.consolidateAgent(ctx, agent, PriorityCritical, "short_term_critical")
		case buf.ShouldConsolidate():
			c.consolidateAgent(ctx, agent, PriorityHigh, "short_term_threshold")
		}
	}
	c.maintain(ctx)
}

// consolidateAgent runs one high-priority cycle: drain short-term,
// synthesise a summary, persist it, embed it, upsert it. A persist
// failure restores the drained messages so nothing is lost; embed or
// upsert failures leave the summary on disk and queue a retry.
func (c *Consolidator) consolidateAgent(ctx context.Context, agent domain.AgentID, priority Priority, reason string) {
	started := c.clock.Now()
	buf := c.manager.Buffer(agent)
	drained := buf.Drain()
	c.manager.RefreshShortBudget()
	if len(drained) == 0 {
		return
	}

	c.emit(ctx, domain.RuntimeEvent{
		Kind:    domain.EventConsolidationStarted,
		AgentID: agent.String(),
		Reason:  reason,
		At:      started,
		Fields:  map[string]string{"priority": priority.String(), "messages": fmt.Sprintf("%d", len(drained))},
	})

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()

	summaryText, err := c.synthesize(stepCtx, drained)
	if err != nil {
		buf.Restore(drained)
		c.manager.RefreshShortBudget()
		c.manager.SetHealthy(false)
		c.fail(ctx, agent, priority, "synthesis", err)
		return
	}

	now := c.clock.Now()
	summary := domain.NewConversationSummary(agent, conversationIDOf(drained), summaryText, uint64(len(drained)), now)
	if err := summary.Validate(); err != nil {
		buf.Restore(drained)
		c.manager.RefreshShortBudget()
		c.fail(ctx, agent, priority, "summary_validation", err)
		return
	}

	if err := c.manager.Store().Put(stepCtx, summary); err != nil {
		// No data loss: the drained window goes back to short-term.
		buf.Restore(drained)
		c.manager.RefreshShortBudget()
		c.manager.SetHealthy(false)
		c.fail(ctx, agent, priority, "summary_put", err)
		return
	}
	c.manager.AddMediumTokens(c.manager.Counter().Count(summary.Text))
	c.manager.SetHealthy(true)

	if err := c.embedAndUpsert(stepCtx, summary); err != nil {
		c.pendingEmbeds[summary.ID.String()] = summary
		c.emit(ctx, domain.RuntimeEvent{
			Kind:    domain.EventEmbeddingRetryQueued,
			AgentID: agent.String(),
			Reason:  err.Error(),
			At:      c.clock.Now(),
		})
	}

	if c.metrics != nil {
		c.metrics.RecordConsolidation(priority.String(), "success")
		c.metrics.ObserveConsolidationDuration(c.clock.Now().Sub(started).Seconds())
	}
	c.emit(ctx, domain.RuntimeEvent{
		Kind:    domain.EventConsolidationComplete,
		AgentID: agent.String(),
		Reason:  reason,
		At:      c.clock.Now(),
		Fields:  map[string]string{"priority": priority.String(), "summary_id": summary.ID.String()},
	})
}

// synthesize asks the provider for a summary of the drained window.
// The system instruction leads, then the window in conversation order.
func (c *Consolidator) synthesize(ctx context.Context, window []domain.CanonicalMessage) (string, error) {
	history := make([]domain.CanonicalMessage, 0, len(window)+1)
	history = append(history, domain.NewMessage(domain.RoleSystem, synthesisInstruction, c.clock.Now()))
	history = append(history, domain.CloneHistory(window)...)

	reply, err := c.provider.Complete(ctx, history)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(reply.Content)
	if text == "" {
		return "", &domain.MessageError{Reason: "summary synthesis produced empty text"}
	}
	if c.cfg.MaxSummaryTokens > 0 {
		text = truncateToTokens(text, c.cfg.MaxSummaryTokens, c.manager.Counter())
	}
	return text, nil
}

func (c *Consolidator) embedAndUpsert(ctx context.Context, summary domain.ConversationSummary) error {
	embedder := c.manager.EmbedderPort()
	if embedder == nil {
		return nil
	}
	vector, err := embedder.EmbedQuery(ctx, summary.Text)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}
	c.ensureCollection(ctx)
	err = c.manager.Index().Upsert(ctx, summary.ID.String(), vector, map[string]string{
		"agent_id":        summary.AgentID.String(),
		"conversation_id": summary.ConversationID,
	})
	if err != nil {
		return fmt.Errorf("upsert summary embedding: %w", err)
	}
	c.manager.AddLongTokens(c.manager.Counter().Count(summary.Text))
	return nil
}

// maintain is the low-priority pass: embedding retries and medium-tier
// accounting.
func (c *Consolidator) maintain(ctx context.Context) {
	for id, summary := range c.pendingEmbeds {
		if ctx.Err() != nil {
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		err := c.embedAndUpsert(stepCtx, summary)
		cancel()
		if err != nil {
			c.logger.Warn("embedding_retry_failed", "summary_id", id, "error", err)
			continue
		}
		delete(c.pendingEmbeds, id)
		c.logger.Info("embedding_retry_succeeded", "summary_id", id)
	}

	for _, agent := range c.manager.Agents() {
		summaries, err := c.manager.Store().List(ctx, agent, c.cfg.MediumThreshold+1)
		if err != nil {
			continue
		}
		if len(summaries) >= c.cfg.MediumThreshold {
			c.logger.Info("medium_term_accumulated",
				"agent", agent.String(),
				"summaries", len(summaries),
				"threshold", c.cfg.MediumThreshold,
			)
		}
	}
}

func (c *Consolidator) ensureCollection(ctx context.Context) {
	if c.collectionReady || c.cfg.EmbeddingDim <= 0 || c.manager.Index() == nil {
		return
	}
	if err := c.manager.Index().EnsureCollection(ctx, c.cfg.EmbeddingDim, c.cfg.Metric); err != nil {
		c.logger.Warn("ensure_collection_failed", "error", err)
		return
	}
	c.collectionReady = true
}

func (c *Consolidator) fail(ctx context.Context, agent domain.AgentID, priority Priority, stage string, err error) {
	if c.metrics != nil {
		c.metrics.RecordConsolidation(priority.String(), "failure")
	}
	c.logger.Error("consolidation_failed",
		"agent", agent.String(),
		"priority", priority.String(),
		"stage", stage,
		"error", err,
	)
	c.emit(ctx, domain.RuntimeEvent{
		Kind:    domain.EventConsolidationFailed,
		AgentID: agent.String(),
		Reason:  stage,
		At:      c.clock.Now(),
	})
}

func (c *Consolidator) emit(ctx context.Context, event domain.RuntimeEvent) {
	c.logger.Info(event.Kind, "agent", event.AgentID, "reason", event.Reason)
	if c.events == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.events.Publish(publishCtx, event); err != nil {
		c.logger.Warn("event_publish_failed", "kind", event.Kind, "error", err)
	}
}

// conversationIDOf picks the conversation id carried in message
// metadata, falling back to a fresh id for untagged windows.
func conversationIDOf(window []domain.CanonicalMessage) string {
	for _, msg := range window {
		if id := msg.Metadata["conversation_id"]; id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func truncateToTokens(text string, maxTokens uint64, counter TokenCounter) string {
	if counter.Count(text) <= maxTokens {
		return text
	}
	// Trim in character steps of the same 4:1 approximation.
	limit := int(maxTokens * 4)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
