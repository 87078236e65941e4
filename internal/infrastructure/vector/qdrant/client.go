// Package qdrant adapts the qdrant HTTP API to the VectorIndex port.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
)

// Client is a VectorIndex backed by a single qdrant collection.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu      sync.Mutex
	ensuredDim    int
	ensuredMetric string
}

type Options struct {
	RequestTimeout     time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string, opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}
}

// EnsureCollection bootstraps the collection idempotently. Repeated
// calls with the same dimension and metric are no-ops.
func (c *Client) EnsureCollection(ctx context.Context, dim int, metric string) error {
	if dim <= 0 {
		return &domain.DomainViolationError{Rule: "embedding dimension must be positive"}
	}
	if metric == "" {
		metric = "cosine"
	}

	c.ensureMu.Lock()
	if c.ensuredDim == dim && c.ensuredMetric == metric {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": qdrantDistance(metric),
		},
	}

	err := c.do(ctx, "qdrant.ensure_collection", func(callCtx context.Context) error {
		status, body, err := c.put(callCtx, fmt.Sprintf("/collections/%s", c.collection), reqBody)
		if err != nil {
			return err
		}
		// 409 means the collection already exists, which is exactly the
		// idempotent outcome we want.
		if status == http.StatusConflict {
			return nil
		}
		if status >= 300 {
			return fmt.Errorf("qdrant ensure collection status %d: %s", status, body)
		}
		return nil
	})
	if err != nil {
		return mapUpstream(err)
	}

	c.ensureMu.Lock()
	c.ensuredDim = dim
	c.ensuredMetric = metric
	c.ensureMu.Unlock()
	return nil
}

// Upsert writes one point. Same id, same point: repeated upserts keep
// a single entry.
func (c *Client) Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error {
	if len(embedding) == 0 {
		return &domain.DomainViolationError{Rule: "embedding is empty"}
	}

	payload := make(map[string]any, len(metadata))
	for k, v := range metadata {
		payload[k] = v
	}
	reqBody := map[string]any{
		"points": []map[string]any{
			{
				"id":      id,
				"vector":  embedding,
				"payload": payload,
			},
		},
	}

	err := c.do(ctx, "qdrant.upsert", func(callCtx context.Context) error {
		status, body, err := c.put(callCtx, fmt.Sprintf("/collections/%s/points?wait=true", c.collection), reqBody)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("qdrant upsert status %d: %s", status, body)
		}
		return nil
	})
	return mapUpstream(err)
}

// Search returns the top-k hits in non-increasing score order, ties
// broken by id for deterministic results.
func (c *Client) Search(ctx context.Context, query []float32, k int) ([]ports.SearchHit, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}

	reqBody := map[string]any{
		"vector":       query,
		"limit":        k,
		"with_payload": false,
	}

	var searchResp struct {
		Result []struct {
			ID    any     `json:"id"`
			Score float32 `json:"score"`
		} `json:"result"`
	}

	err := c.do(ctx, "qdrant.search", func(callCtx context.Context) error {
		body, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal search body: %w", err)
		}
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
			fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create search request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant search request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("qdrant search status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return json.NewDecoder(resp.Body).Decode(&searchResp)
	})
	if err != nil {
		return nil, mapUpstream(err)
	}

	hits := make([]ports.SearchHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		hits = append(hits, ports.SearchHit{ID: fmt.Sprint(r.ID), Score: r.Score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func (c *Client) put(ctx context.Context, path string, payload any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return resp.StatusCode, strings.TrimSpace(string(msg)), nil
}

func (c *Client) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyQdrantError)
}

func qdrantDistance(metric string) string {
	switch strings.ToLower(metric) {
	case "euclid", "euclidean":
		return "Euclid"
	case "dot":
		return "Dot"
	default:
		return "Cosine"
	}
}

var _ ports.VectorIndex = (*Client)(nil)
