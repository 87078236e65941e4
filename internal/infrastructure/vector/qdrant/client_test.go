package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

func TestEnsureCollectionCreatesOnce(t *testing.T) {
	var creates atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/test" {
			creates.Add(1)
			var body struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.Vectors.Size != 4 || body.Vectors.Distance != "Cosine" {
				t.Errorf("collection body = %+v", body.Vectors)
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "test", Options{})
	for i := 0; i < 3; i++ {
		if err := client.EnsureCollection(context.Background(), 4, "cosine"); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	if creates.Load() != 1 {
		t.Fatalf("creates = %d, want 1", creates.Load())
	}
}

func TestEnsureCollectionTreatsConflictAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := New(server.URL, "test", Options{})
	if err := client.EnsureCollection(context.Background(), 4, "cosine"); err != nil {
		t.Fatalf("conflict must be idempotent success: %v", err)
	}
}

func TestEnsureCollectionRejectsBadDim(t *testing.T) {
	client := New("http://unused", "test", Options{})
	if err := client.EnsureCollection(context.Background(), 0, "cosine"); !errors.Is(err, domain.ErrDomainViolation) {
		t.Fatalf("expected domain violation, got %v", err)
	}
}

func TestUpsertSendsPoint(t *testing.T) {
	var captured struct {
		Points []struct {
			ID      string            `json:"id"`
			Vector  []float32         `json:"vector"`
			Payload map[string]string `json:"payload"`
		} `json:"points"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/test/points" {
			json.NewDecoder(r.Body).Decode(&captured)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, "test", Options{})
	err := client.Upsert(context.Background(), "summary-1", []float32{0.5, 0.5}, map[string]string{"agent_id": "a1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(captured.Points) != 1 {
		t.Fatalf("points = %d", len(captured.Points))
	}
	point := captured.Points[0]
	if point.ID != "summary-1" || len(point.Vector) != 2 || point.Payload["agent_id"] != "a1" {
		t.Fatalf("point = %+v", point)
	}
}

func TestUpsertRejectsEmptyEmbedding(t *testing.T) {
	client := New("http://unused", "test", Options{})
	if err := client.Upsert(context.Background(), "x", nil, nil); !errors.Is(err, domain.ErrDomainViolation) {
		t.Fatalf("expected domain violation, got %v", err)
	}
}

func TestUpsertServerErrorIsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, "test", Options{})
	err := client.Upsert(context.Background(), "x", []float32{1}, nil)
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !upstream.Retriable {
		t.Fatal("500 must be retriable")
	}
}

func TestSearchOrdersAndTieBreaks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/test/points/search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// Deliberately unsorted, with a tie between b and a.
		fmt.Fprint(w, `{"result":[{"id":"b","score":0.5},{"id":"c","score":0.9},{"id":"a","score":0.5}]}`)
	}))
	defer server.Close()

	client := New(server.URL, "test", Options{})
	hits, err := client.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].ID != "c" || hits[1].ID != "a" || hits[2].ID != "b" {
		t.Fatalf("order = %v", hits)
	}
}

func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	client := New("http://unused", "test", Options{})
	hits, err := client.Search(context.Background(), nil, 5)
	if err != nil || hits != nil {
		t.Fatalf("short circuit failed: %v %v", hits, err)
	}
}
