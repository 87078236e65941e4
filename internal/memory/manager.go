package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
)

// Priority orders consolidation work. Critical outranks everything.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Signal asks the consolidator to look at one agent's memory.
type Signal struct {
	Agent    domain.AgentID
	Priority Priority
	Reason   string
}

// signalCapacity bounds the wake-up channel; a full channel is fine
// because the periodic tick covers anything dropped.
const signalCapacity = 64

// ManagerConfig carries the memory tier bounds.
type ManagerConfig struct {
	MaxMessages     int
	MaxTokens       uint64
	ThresholdTokens uint64
	ContextRecent   int
	LongTermHits    int
	MaxTotalTokens  uint64
}

func (c ManagerConfig) normalize() ManagerConfig {
	out := c
	if out.MaxMessages <= 0 {
		out.MaxMessages = DefaultMaxMessages
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if out.ThresholdTokens == 0 {
		out.ThresholdTokens = DefaultThresholdTokens
	}
	if out.ContextRecent <= 0 {
		out.ContextRecent = 20
	}
	if out.LongTermHits < 0 {
		out.LongTermHits = 0
	} else if out.LongTermHits == 0 {
		out.LongTermHits = 3
	}
	return out
}

// Manager is the three-tier memory facade. Short-term buffers are
// created lazily per agent; medium- and long-term tiers are shared.
type Manager struct {
	mu      sync.RWMutex
	buffers map[domain.AgentID]*ShortTermBuffer

	store    ports.SummaryStore
	index    ports.VectorIndex
	embedder ports.Embedder
	clock    ports.Clock
	counter  TokenCounter
	logger   *slog.Logger
	cfg      ManagerConfig

	signals chan Signal
	healthy atomic.Bool

	budgetMu sync.Mutex
	budget   domain.TokenBudget
}

func NewManager(
	store ports.SummaryStore,
	index ports.VectorIndex,
	embedder ports.Embedder,
	clock ports.Clock,
	counter TokenCounter,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	if counter == nil {
		counter = ApproxCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		buffers:  make(map[domain.AgentID]*ShortTermBuffer),
		store:    store,
		index:    index,
		embedder: embedder,
		clock:    clock,
		counter:  counter,
		logger:   logger.With("component", "memory_manager"),
		cfg:      cfg.normalize(),
		signals:  make(chan Signal, signalCapacity),
		budget:   domain.TokenBudget{MaxTotal: cfg.MaxTotalTokens},
	}
	// The consolidator flips this as soon as it starts; begin healthy so
	// appends before startup ordering settles are not rejected.
	m.healthy.Store(true)
	return m
}

// Buffer returns the short-term buffer for an agent, creating it on
// first use.
func (m *Manager) Buffer(agent domain.AgentID) *ShortTermBuffer {
	m.mu.RLock()
	buf, ok := m.buffers[agent]
	m.mu.RUnlock()
	if ok {
		return buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok = m.buffers[agent]; ok {
		return buf
	}
	buf = NewShortTermBuffer(m.cfg.MaxMessages, m.cfg.MaxTokens, m.cfg.ThresholdTokens, m.counter)
	m.buffers[agent] = buf
	return buf
}

// Agents lists every agent with a short-term buffer.
func (m *Manager) Agents() []domain.AgentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]domain.AgentID, 0, len(m.buffers))
	for agent := range m.buffers {
		agents = append(agents, agent)
	}
	return agents
}

// Append validates ownership invariants and adds the message to the
// agent's short-term tier, signalling the consolidator when thresholds
// are crossed. When the buffer is critically full and the consolidator
// is unhealthy the append is rejected with memory_full.
func (m *Manager) Append(ctx context.Context, agent domain.AgentID, msg domain.CanonicalMessage) error {
	buf := m.Buffer(agent)

	if buf.AboveCritical() {
		m.signal(Signal{Agent: agent, Priority: PriorityCritical, Reason: "short_term_critical"})
		if !m.healthy.Load() {
			return domain.Unavailable(domain.ReasonMemoryFull)
		}
	}

	tokens, err := buf.Append(msg)
	if err != nil {
		// Hard bound reached. Wake the consolidator and refuse the
		// message; the caller may retry once the drain lands.
		m.signal(Signal{Agent: agent, Priority: PriorityCritical, Reason: "short_term_overflow"})
		return domain.Unavailable(domain.ReasonMemoryFull)
	}

	m.updateShortBudget()
	if tokens >= buf.ThresholdTokens() || buf.ShouldConsolidate() {
		m.signal(Signal{Agent: agent, Priority: PriorityHigh, Reason: "short_term_threshold"})
	}
	return nil
}

// Context assembles the prompt context for one agent: the most recent
// short-term messages plus, if the token budget allows, a few
// long-term hits rehydrated from their stored summaries.
func (m *Manager) Context(ctx context.Context, agent domain.AgentID, budgetTokens uint64) ([]domain.CanonicalMessage, error) {
	buf := m.Buffer(agent)
	recent := buf.Recent(m.cfg.ContextRecent)

	var used uint64
	for _, msg := range recent {
		used += m.counter.CountMessage(msg)
	}
	if budgetTokens > 0 && used >= budgetTokens {
		return recent, nil
	}
	if m.cfg.LongTermHits == 0 || m.embedder == nil || m.index == nil {
		return recent, nil
	}

	query := lastUserContent(recent)
	if query == "" {
		return recent, nil
	}

	vector, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil || len(vector) == 0 {
		// Long-term recall is best effort; the turn proceeds on
		// short-term context alone.
		m.logger.Warn("long_term_recall_skipped", "agent", agent.String(), "error", err)
		return recent, nil
	}

	hits, err := m.index.Search(ctx, vector, m.cfg.LongTermHits)
	if err != nil {
		m.logger.Warn("long_term_search_failed", "agent", agent.String(), "error", err)
		return recent, nil
	}

	rehydrated := m.rehydrate(ctx, agent, hits, budgetTokens, used)
	if len(rehydrated) == 0 {
		return recent, nil
	}
	return append(rehydrated, recent...), nil
}

// rehydrate loads the stored summaries behind search hits and shapes
// them as system messages ahead of the live history.
func (m *Manager) rehydrate(ctx context.Context, agent domain.AgentID, hits []ports.SearchHit, budgetTokens, used uint64) []domain.CanonicalMessage {
	var out []domain.CanonicalMessage
	now := m.clock.Now()

	summaries, err := m.store.List(ctx, agent, maxRehydrateScan)
	if err != nil {
		m.logger.Warn("summary_list_failed", "agent", agent.String(), "error", err)
		return nil
	}
	byID := make(map[string]domain.ConversationSummary, len(summaries))
	for _, s := range summaries {
		byID[s.ID.String()] = s
	}

	for _, hit := range hits {
		summary, ok := byID[hit.ID]
		if !ok {
			continue
		}
		msg := domain.NewMessageWithMetadata(domain.RoleSystem, "Relevant earlier conversation: "+summary.Text, now, map[string]string{
			"memory_tier": "long_term",
			"summary_id":  summary.ID.String(),
		})
		cost := m.counter.CountMessage(msg)
		if budgetTokens > 0 && used+cost > budgetTokens {
			break
		}
		used += cost
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata["summary_id"] < out[j].Metadata["summary_id"]
	})
	return out
}

const maxRehydrateScan = 256

// ReportBudget returns the current cross-tier token budget snapshot.
func (m *Manager) ReportBudget() domain.TokenBudget {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	return m.budget
}

// Signals exposes the consolidator wake-up channel.
func (m *Manager) Signals() <-chan Signal {
	return m.signals
}

// SetHealthy records consolidator liveness; appends under critical
// pressure consult it.
func (m *Manager) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// Store, Index, Embedder, Clock and Counter give the consolidator
// access to the shared tiers without re-wiring.
func (m *Manager) Store() ports.SummaryStore { return m.store }

func (m *Manager) Index() ports.VectorIndex { return m.index }

func (m *Manager) EmbedderPort() ports.Embedder { return m.embedder }

func (m *Manager) Clock() ports.Clock { return m.clock }

func (m *Manager) Counter() TokenCounter { return m.counter }

func (m *Manager) signal(sig Signal) {
	select {
	case m.signals <- sig:
	default:
		// The periodic tick will pick it up; dropping the wake-up is
		// harmless.
		m.logger.Debug("consolidation_signal_dropped", "agent", sig.Agent.String(), "priority", sig.Priority.String())
	}
}

func (m *Manager) updateShortBudget() {
	var total uint64
	m.mu.RLock()
	for _, buf := range m.buffers {
		total += buf.Tokens()
	}
	m.mu.RUnlock()

	m.budgetMu.Lock()
	m.budget.Short = total
	m.budgetMu.Unlock()
}

// AddMediumTokens accounts summary tokens written to the medium tier.
func (m *Manager) AddMediumTokens(tokens uint64) {
	m.budgetMu.Lock()
	m.budget.Medium += tokens
	m.budgetMu.Unlock()
}

// AddLongTokens accounts embedded summary tokens in the long tier.
func (m *Manager) AddLongTokens(tokens uint64) {
	m.budgetMu.Lock()
	m.budget.Long += tokens
	m.budgetMu.Unlock()
}

// RefreshShortBudget recomputes the short tier after a drain.
func (m *Manager) RefreshShortBudget() {
	m.updateShortBudget()
}

func lastUserContent(history []domain.CanonicalMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content
		}
	}
	if len(history) > 0 {
		return history[len(history)-1].Content
	}
	return ""
}
