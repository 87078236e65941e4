package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubProvider lets each test decide how completions behave.
type stubProvider struct {
	mu       sync.Mutex
	complete func(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error)
	calls    int
}

func (p *stubProvider) Complete(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error) {
	p.mu.Lock()
	p.calls++
	fn := p.complete
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, history)
	}
	return domain.NewMessage(domain.RoleAssistant, "ok", time.Now().UTC()), nil
}

func (p *stubProvider) Stream(ctx context.Context, history []domain.CanonicalMessage) (<-chan ports.StreamChunk, error) {
	ch := make(chan ports.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubStore struct {
	mu      sync.Mutex
	records map[string]domain.ConversationSummary
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]domain.ConversationSummary)}
}

func (s *stubStore) Put(_ context.Context, summary domain.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[summary.AgentID.String()+"/"+summary.ConversationID] = summary
	return nil
}

func (s *stubStore) Get(_ context.Context, agent domain.AgentID, conversationID string) (domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.records[agent.String()+"/"+conversationID]
	if !ok {
		return domain.ConversationSummary{}, domain.ErrNotFound
	}
	return summary, nil
}

func (s *stubStore) List(_ context.Context, agent domain.AgentID, limit int) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConversationSummary
	for _, summary := range s.records {
		if summary.AgentID == agent {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) Delete(_ context.Context, agent domain.AgentID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, agent.String()+"/"+conversationID)
	return nil
}

type nopIndex struct{}

func (nopIndex) EnsureCollection(context.Context, int, string) error {
	return nil
}

func (nopIndex) Upsert(context.Context, string, []float32, map[string]string) error {
	return nil
}

func (nopIndex) Search(context.Context, []float32, int) ([]ports.SearchHit, error) {
	return nil, nil
}

type nopEmbedder struct{}

func (nopEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func newTestMemory(clk ports.Clock) *memory.Manager {
	return memory.NewManager(newStubStore(), nopIndex{}, nopEmbedder{}, clk, memory.ApproxCounter{}, memory.ManagerConfig{
		MaxMessages:     1000,
		MaxTokens:       1_000_000,
		ThresholdTokens: 500_000,
		LongTermHits:    -1,
	}, nil)
}

func userTurn(clk ports.Clock, content string) []domain.CanonicalMessage {
	return []domain.CanonicalMessage{domain.NewMessage(domain.RoleUser, content, clk.Now())}
}
