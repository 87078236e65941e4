package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
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

type stubStore struct {
	mu      sync.Mutex
	records map[string]domain.ConversationSummary
	putErr  error
	puts    int
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]domain.ConversationSummary)}
}

func (s *stubStore) key(agent domain.AgentID, conversationID string) string {
	return agent.String() + "/" + conversationID
}

func (s *stubStore) Put(_ context.Context, summary domain.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.records[s.key(summary.AgentID, summary.ConversationID)] = summary
	return nil
}

func (s *stubStore) Get(_ context.Context, agent domain.AgentID, conversationID string) (domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.records[s.key(agent, conversationID)]
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
	delete(s.records, s.key(agent, conversationID))
	return nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type stubProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests [][]domain.CanonicalMessage
}

func (p *stubProvider) Complete(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error) {
	p.mu.Lock()
	p.requests = append(p.requests, domain.CloneHistory(history))
	reply, err := p.reply, p.err
	p.mu.Unlock()
	if err != nil {
		return domain.CanonicalMessage{}, err
	}
	if reply == "" {
		reply = "summary of the conversation"
	}
	return domain.NewMessage(domain.RoleAssistant, reply, time.Now().UTC()), nil
}

func (p *stubProvider) Stream(ctx context.Context, history []domain.CanonicalMessage) (<-chan ports.StreamChunk, error) {
	ch := make(chan ports.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *stubProvider) lastRequest() []domain.CanonicalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

type stubEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
	dim   int
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	dim := e.dim
	if dim == 0 {
		dim = 4
	}
	vector := make([]float32, dim)
	for i, r := range text {
		vector[i%dim] += float32(r % 13)
	}
	return vector, nil
}

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
