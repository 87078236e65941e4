// Package memory implements the three-tier conversational memory:
// per-agent short-term buffers, the persistent summary store facade,
// the long-term vector index facade, and the background consolidator.
package memory

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// TokenCounter estimates token usage for budget accounting.
type TokenCounter interface {
	Count(text string) uint64
	CountMessage(msg domain.CanonicalMessage) uint64
}

// ApproxCounter estimates ceil(chars/4) per segment. Fast, language
// agnostic, and good enough for threshold decisions.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) uint64 {
	n := uint64(0)
	for range text {
		n++
	}
	return (n + 3) / 4
}

func (c ApproxCounter) CountMessage(msg domain.CanonicalMessage) uint64 {
	return c.Count(msg.Content) + c.Count(string(msg.Role))
}

// TiktokenCounter counts with a real BPE vocabulary for deployments
// that want accurate budgets instead of the character approximation.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func NewTiktokenCounter(encodingName string) (*TiktokenCounter, error) {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "load tokenizer encoding", err)
	}
	return &TiktokenCounter{encoding: encoding}, nil
}

func (c *TiktokenCounter) Count(text string) uint64 {
	return uint64(len(c.encoding.Encode(text, nil, nil)))
}

func (c *TiktokenCounter) CountMessage(msg domain.CanonicalMessage) uint64 {
	return c.Count(msg.Content) + c.Count(string(msg.Role))
}
