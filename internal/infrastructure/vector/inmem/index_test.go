package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

func TestEnsureCollectionIdempotent(t *testing.T) {
	index := New()
	if err := index.EnsureCollection(context.Background(), 4, "cosine"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := index.EnsureCollection(context.Background(), 4, "cosine"); err != nil {
		t.Fatalf("repeat ensure: %v", err)
	}
	if err := index.EnsureCollection(context.Background(), 8, "cosine"); !errors.Is(err, domain.ErrDomainViolation) {
		t.Fatalf("dimension change accepted: %v", err)
	}
	if err := index.EnsureCollection(context.Background(), 0, "cosine"); !errors.Is(err, domain.ErrDomainViolation) {
		t.Fatalf("zero dimension accepted: %v", err)
	}
}

func TestUpsertIsIdempotentPerID(t *testing.T) {
	index := New()
	for i := 0; i < 3; i++ {
		if err := index.Upsert(context.Background(), "summary-1", []float32{1, 0, 0}, map[string]string{"agent_id": "a"}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if index.Len() != 1 {
		t.Fatalf("entries = %d, want 1", index.Len())
	}
}

func TestUpsertRejectsEmptyEmbedding(t *testing.T) {
	index := New()
	if err := index.Upsert(context.Background(), "x", nil, nil); !errors.Is(err, domain.ErrDomainViolation) {
		t.Fatalf("expected domain violation, got %v", err)
	}
}

func TestSearchOrdersByScoreThenID(t *testing.T) {
	index := New()
	index.Upsert(context.Background(), "exact", []float32{1, 0, 0}, nil)
	index.Upsert(context.Background(), "orthogonal", []float32{0, 1, 0}, nil)
	index.Upsert(context.Background(), "close", []float32{0.9, 0.1, 0}, nil)

	hits, err := index.Search(context.Background(), []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].ID != "exact" {
		t.Fatalf("best hit = %s", hits[0].ID)
	}
	if hits[1].ID != "close" {
		t.Fatalf("second hit = %s", hits[1].ID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatal("scores not non-increasing")
		}
	}
}

func TestSearchBreaksTiesByID(t *testing.T) {
	index := New()
	// Identical vectors produce identical scores.
	index.Upsert(context.Background(), "b", []float32{1, 0}, nil)
	index.Upsert(context.Background(), "a", []float32{1, 0}, nil)
	index.Upsert(context.Background(), "c", []float32{1, 0}, nil)

	hits, err := index.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].ID != "a" || hits[1].ID != "b" || hits[2].ID != "c" {
		t.Fatalf("tie break by id broken: %v", hits)
	}
}

func TestSearchLimitsToK(t *testing.T) {
	index := New()
	for _, id := range []string{"one", "two", "three", "four"} {
		index.Upsert(context.Background(), id, []float32{1, 0}, nil)
	}
	hits, _ := index.Search(context.Background(), []float32{1, 0}, 2)
	if len(hits) != 2 {
		t.Fatalf("k ignored: %d hits", len(hits))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	index := New()
	hits, err := index.Search(context.Background(), nil, 3)
	if err != nil || hits != nil {
		t.Fatalf("empty query: %v %v", hits, err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	index := New()
	index.Upsert(context.Background(), "s1", []float32{1}, map[string]string{"agent_id": "agent-7"})
	meta, ok := index.Metadata("s1")
	if !ok || meta["agent_id"] != "agent-7" {
		t.Fatalf("metadata lost: %v %t", meta, ok)
	}
	if _, ok := index.Metadata("missing"); ok {
		t.Fatal("metadata for missing id")
	}
}
