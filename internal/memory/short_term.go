package memory

import (
	"fmt"
	"sync"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// Short-term defaults mirroring the runtime configuration fallbacks.
const (
	DefaultMaxMessages     = 1000
	DefaultMaxTokens       = 100_000
	DefaultThresholdTokens = 50_000
)

// ShortTermBuffer is the bounded in-process conversation history for a
// single agent. The owning agent is the only writer; readers share a
// read lock. Overflow is reported, never silently evicted.
type ShortTermBuffer struct {
	mu sync.RWMutex

	messages  []domain.CanonicalMessage
	msgTokens []uint64
	tokens    uint64

	maxMessages     int
	maxTokens       uint64
	thresholdTokens uint64
	counter         TokenCounter
}

func NewShortTermBuffer(maxMessages int, maxTokens, thresholdTokens uint64, counter TokenCounter) *ShortTermBuffer {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	if thresholdTokens == 0 {
		thresholdTokens = DefaultThresholdTokens
	}
	if counter == nil {
		counter = ApproxCounter{}
	}
	return &ShortTermBuffer{
		maxMessages:     maxMessages,
		maxTokens:       maxTokens,
		thresholdTokens: thresholdTokens,
		counter:         counter,
	}
}

// Append adds one message, returning the token count after the append.
// The per-message cost is computed once and remembered for drains.
func (b *ShortTermBuffer) Append(msg domain.CanonicalMessage) (uint64, error) {
	cost := b.counter.CountMessage(msg)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.messages) >= b.maxMessages {
		return b.tokens, &domain.DomainViolationError{
			Rule: fmt.Sprintf("message limit exceeded: %d >= %d", len(b.messages), b.maxMessages),
		}
	}
	if b.tokens+cost > b.maxTokens {
		return b.tokens, &domain.DomainViolationError{
			Rule: fmt.Sprintf("token limit would be exceeded: %d + %d > %d", b.tokens, cost, b.maxTokens),
		}
	}

	b.messages = append(b.messages, msg.Clone())
	b.msgTokens = append(b.msgTokens, cost)
	b.tokens += cost
	return b.tokens, nil
}

// Recent returns the most recent n messages in order.
func (b *ShortTermBuffer) Recent(n int) []domain.CanonicalMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || len(b.messages) == 0 {
		return nil
	}
	start := len(b.messages) - n
	if start < 0 {
		start = 0
	}
	return domain.CloneHistory(b.messages[start:])
}

// Drain removes and returns the full buffer contents in order.
func (b *ShortTermBuffer) Drain() []domain.CanonicalMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.messages
	b.messages = nil
	b.msgTokens = nil
	b.tokens = 0
	return drained
}

// Restore puts drained messages back at the front of the buffer,
// ahead of anything that arrived while consolidation was running. Used
// when a consolidation cycle fails before the summary was persisted.
func (b *ShortTermBuffer) Restore(msgs []domain.CanonicalMessage) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	restoredTokens := make([]uint64, len(msgs))
	var total uint64
	for i, msg := range msgs {
		cost := b.counter.CountMessage(msg)
		restoredTokens[i] = cost
		total += cost
	}
	b.messages = append(msgs, b.messages...)
	b.msgTokens = append(restoredTokens, b.msgTokens...)
	b.tokens += total
}

func (b *ShortTermBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

func (b *ShortTermBuffer) Tokens() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens
}

// ShouldConsolidate reports whether either bound has been reached.
func (b *ShortTermBuffer) ShouldConsolidate() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages) >= b.maxMessages || b.tokens >= b.thresholdTokens
}

// AboveCritical reports tokens at or beyond twice the consolidation
// threshold, the point where appends get synchronous backpressure.
func (b *ShortTermBuffer) AboveCritical() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens >= 2*b.thresholdTokens
}

func (b *ShortTermBuffer) ThresholdTokens() uint64 {
	return b.thresholdTokens
}
