package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/vector/inmem"
)

type consolidatorFixture struct {
	manager  *Manager
	store    *stubStore
	index    *inmem.Index
	embedder *stubEmbedder
	provider *stubProvider
	clock    *fakeClock
	dreamer  *Consolidator
}

func newConsolidatorFixture(t *testing.T, cfg ManagerConfig) *consolidatorFixture {
	t.Helper()
	store := newStubStore()
	index := inmem.New()
	embedder := &stubEmbedder{}
	provider := &stubProvider{}
	clk := newFakeClock(time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC))
	manager := NewManager(store, index, embedder, clk, ApproxCounter{}, cfg, nil)
	dreamer := NewConsolidator(manager, provider, clk, ConsolidatorConfig{
		Interval:     10 * time.Millisecond,
		StepTimeout:  5 * time.Second,
		EmbeddingDim: 4,
	}, nil, nil, nil)
	return &consolidatorFixture{
		manager:  manager,
		store:    store,
		index:    index,
		embedder: embedder,
		provider: provider,
		clock:    clk,
		dreamer:  dreamer,
	}
}

func (f *consolidatorFixture) fill(t *testing.T, agent domain.AgentID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := domain.NewMessageWithMetadata(domain.RoleUser,
			fmt.Sprintf("message %03d with some padding text", i),
			f.clock.Now(),
			map[string]string{"conversation_id": "conv-1"})
		if _, err := f.manager.Buffer(agent).Append(msg); err != nil {
			t.Fatalf("fill append %d: %v", i, err)
		}
	}
}

func TestConsolidateDrainsPersistsAndEmbeds(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{ThresholdTokens: 50})
	agent := domain.NewAgentID()
	f.fill(t, agent, 20)

	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "test")

	if f.manager.Buffer(agent).Len() != 0 {
		t.Fatal("short-term not drained")
	}
	if f.store.puts != 1 {
		t.Fatalf("puts = %d, want 1", f.store.puts)
	}
	if f.index.Len() != 1 {
		t.Fatalf("index entries = %d, want 1", f.index.Len())
	}

	summary, err := f.store.Get(context.Background(), agent, "conv-1")
	if err != nil {
		t.Fatalf("summary not retrievable: %v", err)
	}
	if summary.MessageCount != 20 {
		t.Fatalf("message count = %d", summary.MessageCount)
	}
	if summary.AgentID != agent {
		t.Fatal("summary carries wrong agent")
	}

	// The synthesis request leads with the system instruction and keeps
	// conversation order.
	request := f.provider.lastRequest()
	if request[0].Role != domain.RoleSystem {
		t.Fatal("synthesis prompt missing system instruction")
	}
	if request[1].Content != "message 000 with some padding text" {
		t.Fatalf("drained order broken: %s", request[1].Content)
	}
}

func TestConsolidateEmptyBufferIsNoop(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{})
	f.dreamer.consolidateAgent(context.Background(), domain.NewAgentID(), PriorityHigh, "test")
	if f.provider.calls() != 0 || f.store.count() != 0 {
		t.Fatal("empty drain still did work")
	}
}

func TestSynthesisFailureRestoresShortTerm(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{})
	f.provider.err = errors.New("llm down")
	agent := domain.NewAgentID()
	f.fill(t, agent, 5)

	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "test")

	if got := f.manager.Buffer(agent).Len(); got != 5 {
		t.Fatalf("messages lost: %d remain", got)
	}
	if f.store.count() != 0 {
		t.Fatal("summary written despite failure")
	}
	if f.manager.Healthy() {
		t.Fatal("consolidator still reported healthy")
	}
}

func TestPutFailureRestoresShortTerm(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{})
	f.store.putErr = errors.New("disk gone")
	agent := domain.NewAgentID()
	f.fill(t, agent, 5)

	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "test")

	if got := f.manager.Buffer(agent).Len(); got != 5 {
		t.Fatalf("messages lost on put failure: %d remain", got)
	}
	if f.index.Len() != 0 {
		t.Fatal("embedding written despite aborted cycle")
	}
}

func TestEmbedFailureKeepsSummaryAndQueuesRetry(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{})
	f.embedder.err = errors.New("embeddings down")
	agent := domain.NewAgentID()
	f.fill(t, agent, 5)

	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "test")

	if f.store.count() != 1 {
		t.Fatal("summary must stay on disk when embedding fails")
	}
	if f.index.Len() != 0 {
		t.Fatal("index has an entry despite embed failure")
	}
	if len(f.dreamer.pendingEmbeds) != 1 {
		t.Fatalf("pending retries = %d", len(f.dreamer.pendingEmbeds))
	}

	// Next low-priority pass retries and lands the embedding.
	f.embedder.err = nil
	f.dreamer.maintain(context.Background())
	if f.index.Len() != 1 {
		t.Fatal("retry did not upsert")
	}
	if len(f.dreamer.pendingEmbeds) != 0 {
		t.Fatal("retry not cleared")
	}
}

func TestUpsertIdempotencePerSummary(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{})
	agent := domain.NewAgentID()
	f.fill(t, agent, 5)
	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "test")

	summary, err := f.store.Get(context.Background(), agent, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Re-running the embed path for the same summary keeps one entry.
	if err := f.dreamer.embedAndUpsert(context.Background(), summary); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if f.index.Len() != 1 {
		t.Fatalf("index entries = %d after duplicate upsert", f.index.Len())
	}
}

func TestRunConsolidatesOnSignal(t *testing.T) {
	f := newConsolidatorFixture(t, ManagerConfig{ThresholdTokens: 20, MaxMessages: 10_000})
	agent := domain.NewAgentID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dreamer.Run(ctx)
	}()

	// Appends through the manager raise the threshold signal.
	for i := 0; i < 10; i++ {
		f.manager.Append(ctx, agent, domain.NewMessageWithMetadata(domain.RoleUser,
			"a reasonably long message body here", f.clock.Now(),
			map[string]string{"conversation_id": "conv-1"}))
	}

	deadline := time.After(2 * time.Second)
	for f.store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no consolidation within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if f.manager.Healthy() {
		t.Fatal("healthy flag must drop after the dreamer stops")
	}
}

func TestScenarioConsolidationEndToEnd(t *testing.T) {
	// Append a couple hundred mid-size messages until the token count
	// crosses the threshold, then observe drain -> one put -> one
	// upsert and post-drain recency.
	f := newConsolidatorFixture(t, ManagerConfig{
		MaxMessages:     10_000,
		MaxTokens:       1_000_000,
		ThresholdTokens: 2000,
	})
	agent := domain.NewAgentID()

	body := ""
	for i := 0; i < 100; i++ {
		body += "word"
	}
	for i := 0; i < 200; i++ {
		msg := domain.NewMessageWithMetadata(domain.RoleUser, fmt.Sprintf("%s %03d", body, i), f.clock.Now(),
			map[string]string{"conversation_id": "conv-e2e"})
		if _, err := f.manager.Buffer(agent).Append(msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if !f.manager.Buffer(agent).ShouldConsolidate() {
		t.Fatal("threshold not reached")
	}

	f.dreamer.consolidateAgent(context.Background(), agent, PriorityHigh, "threshold")

	if f.store.puts != 1 {
		t.Fatalf("puts = %d", f.store.puts)
	}
	if f.index.Len() != 1 {
		t.Fatalf("upserts = %d", f.index.Len())
	}

	// Post-drain appends are the new recency window.
	for i := 0; i < 10; i++ {
		f.manager.Buffer(agent).Append(domain.NewMessage(domain.RoleUser, fmt.Sprintf("fresh-%d", i), f.clock.Now()))
	}
	recent := f.manager.Buffer(agent).Recent(10)
	if len(recent) != 10 || recent[9].Content != "fresh-9" {
		t.Fatalf("post-drain recency wrong: %v", recent)
	}

	// The new summary is findable through the index.
	vector, _ := f.embedder.EmbedQuery(context.Background(), "query about the conversation")
	hits, err := f.index.Search(context.Background(), vector, 1)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v %v", hits, err)
	}
	if hits[0].Score < 0 {
		t.Fatalf("score = %f", hits[0].Score)
	}
}
