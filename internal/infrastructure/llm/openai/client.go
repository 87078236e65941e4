// Package openai adapts any OpenAI-compatible chat completion API to
// the LLMProvider and Embedder ports.
package openai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
)

const providerName = "openai"

// Options configures the adapter.
type Options struct {
	APIKey             string
	Model              string
	EmbedModel         string
	RequestTimeout     time.Duration
	RequestsPerSecond  float64
	ResilienceExecutor *resilience.Executor
	Clock              ports.Clock
}

// Client talks to one OpenAI-compatible endpoint. Completion and
// embedding share the connection pool and the rate limiter.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
	clock      ports.Clock
}

func New(baseURL string, opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embedModel := opts.EmbedModel
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     opts.APIKey,
		model:      model,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		executor:   opts.ResilienceExecutor,
		clock:      opts.Clock,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends the history and returns the assistant reply as a
// canonical message. Tool-call intents surface through metadata so the
// actor can drive its state machine.
func (c *Client) Complete(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error) {
	request := c.buildRequest(history, false)

	var response chatResponse
	call := func(callCtx context.Context) error {
		if err := c.wait(callCtx); err != nil {
			return err
		}
		return c.postJSON(callCtx, "/v1/chat/completions", request, &response, "complete")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai.complete", call, classifyTransportError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.CanonicalMessage{}, mapUpstream(err)
	}

	if len(response.Choices) == 0 {
		return domain.CanonicalMessage{}, &domain.UpstreamError{
			Provider:  providerName,
			Retriable: false,
			Err:       errEmptyChoices,
		}
	}
	choice := response.Choices[0]

	var metadata map[string]string
	if len(choice.Message.ToolCalls) > 0 && choice.Message.ToolCalls[0].Function.Name != "" {
		metadata = map[string]string{"tool_call": choice.Message.ToolCalls[0].Function.Name}
	}

	content := strings.TrimSpace(choice.Message.Content)
	if content == "" && metadata != nil {
		content = "(tool call: " + metadata["tool_call"] + ")"
	}

	return domain.NewMessageWithMetadata(domain.RoleAssistant, content, c.now(), metadata), nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedQuery embeds one text with the configured embedding model.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	request := embedRequest{Model: c.embedModel, Input: []string{text}}

	var response embedResponse
	call := func(callCtx context.Context) error {
		if err := c.wait(callCtx); err != nil {
			return err
		}
		return c.postJSON(callCtx, "/v1/embeddings", request, &response, "embed")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai.embed", call, classifyTransportError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, mapUpstream(err)
	}
	if len(response.Data) == 0 || len(response.Data[0].Embedding) == 0 {
		return nil, &domain.UpstreamError{Provider: providerName, Retriable: false, Err: errEmptyEmbedding}
	}
	return response.Data[0].Embedding, nil
}

func (c *Client) buildRequest(history []domain.CanonicalMessage, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	request := chatRequest{Model: c.model, Messages: messages, Stream: stream}
	if len(history) > 0 {
		last := history[len(history)-1]
		if model := last.Metadata["model"]; model != "" {
			request.Model = model
		}
		if raw := last.Metadata["temperature"]; raw != "" {
			if t, err := parseFloat(raw); err == nil {
				request.Temperature = &t
			}
		}
		if raw := last.Metadata["max_tokens"]; raw != "" {
			if n, err := parseInt(raw); err == nil && n > 0 {
				request.MaxTokens = &n
			}
		}
	}
	return request
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}

var _ ports.LLMProvider = (*Client)(nil)
var _ ports.Embedder = (*Client)(nil)
