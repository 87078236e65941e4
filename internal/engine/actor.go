package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/memory"
)

// DefaultStepTimeout bounds one invocation end to end unless the
// caller's deadline is tighter.
const DefaultStepTimeout = 60 * time.Second

// MetadataToolCall, when present on a provider reply, drives the
// Thinking -> ToolCall -> Reflecting path of the state machine.
const MetadataToolCall = "tool_call"

// ActorConfig tunes one agent actor.
type ActorConfig struct {
	StepTimeout         time.Duration
	ContextBudgetTokens uint64
}

func (c ActorConfig) normalize() ActorConfig {
	out := c
	if out.StepTimeout <= 0 {
		out.StepTimeout = DefaultStepTimeout
	}
	return out
}

// ActorMetrics is the slice of runtime metrics actors report into.
type ActorMetrics interface {
	ObserveInvocation(status string, seconds float64)
}

// Actor is a single cooperative task owning one agent's mailbox and
// state. The state field is only mutated from the actor's own
// goroutine, always through the domain transition function.
type Actor struct {
	id       domain.AgentID
	mailbox  *Mailbox
	provider ports.LLMProvider
	memory   *memory.Manager
	clock    ports.Clock
	executor *resilience.Executor
	logger   *slog.Logger
	metrics  ActorMetrics
	cfg      ActorConfig

	state        atomic.Int32
	lastActivity atomic.Int64
	processed    atomic.Uint64
}

var stateCodes = map[domain.AgentState]int32{
	domain.StateIdle:       0,
	domain.StateThinking:   1,
	domain.StateToolCall:   2,
	domain.StateReflecting: 3,
}

var stateNames = [...]domain.AgentState{
	domain.StateIdle,
	domain.StateThinking,
	domain.StateToolCall,
	domain.StateReflecting,
}

func NewActor(
	id domain.AgentID,
	mailbox *Mailbox,
	provider ports.LLMProvider,
	mem *memory.Manager,
	clock ports.Clock,
	executor *resilience.Executor,
	cfg ActorConfig,
	logger *slog.Logger,
	metrics ActorMetrics,
) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		id:       id,
		mailbox:  mailbox,
		provider: provider,
		memory:   mem,
		clock:    clock,
		executor: executor,
		logger:   logger.With("component", "actor", "agent", id.String()),
		metrics:  metrics,
		cfg:      cfg.normalize(),
	}
	a.lastActivity.Store(clock.Now().UnixNano())
	return a
}

func (a *Actor) ID() domain.AgentID {
	return a.id
}

// State reports the last published state. Only the actor goroutine
// writes it.
func (a *Actor) State() domain.AgentState {
	return stateNames[a.state.Load()]
}

// LastActivity is monotone per agent: it only ever advances.
func (a *Actor) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load()).UTC()
}

func (a *Actor) Processed() uint64 {
	return a.processed.Load()
}

// Run drives the actor loop until shutdown or mailbox closure. A panic
// inside a turn is converted into an error return so the supervisor
// can count it and restart.
func (a *Actor) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", a.id, r)
		}
	}()

	a.logger.Info("actor_started", "state", a.State().String())

	for {
		select {
		case <-ctx.Done():
			a.refuseBacklog(domain.ReasonShuttingDown)
			a.logger.Info("actor_stopped", "reason", "shutdown")
			return nil
		case <-a.mailbox.Closed():
			a.refuseBacklog(domain.ReasonClosed)
			a.logger.Info("actor_stopped", "reason", "mailbox_closed")
			return nil
		case inv := <-a.mailbox.Chan():
			a.handle(ctx, inv)
		}
	}
}

// refuseBacklog fails whatever was still queued when the actor exits.
func (a *Actor) refuseBacklog(reason string) {
	a.mailbox.Close()
	for _, inv := range a.mailbox.DrainPending() {
		a.reply(inv, Reply{Err: domain.Unavailable(reason)})
	}
}

func (a *Actor) handle(ctx context.Context, inv Invocation) {
	started := a.clock.Now()

	if ctx.Err() != nil {
		a.reply(inv, Reply{Err: domain.Unavailable(domain.ReasonShuttingDown)})
		return
	}

	if err := a.validateTurn(inv, started); err != nil {
		a.reply(inv, Reply{Err: err})
		a.observe("invalid", started)
		return
	}

	if err := a.transition(domain.EventReceived); err != nil {
		a.reply(inv, Reply{Err: err})
		a.observe("state_error", started)
		return
	}

	turnCtx, cancel := a.turnContext(ctx, inv, started)
	defer cancel()

	incoming := inv.History[len(inv.History)-1]
	if err := a.memory.Append(turnCtx, a.id, incoming); err != nil {
		a.failTurn(inv, err)
		a.observe("memory_full", started)
		return
	}

	history, err := a.memory.Context(turnCtx, a.id, a.cfg.ContextBudgetTokens)
	if err != nil || len(history) == 0 {
		history = domain.CloneHistory(inv.History)
	}

	replyMsg, err := a.complete(turnCtx, history)
	if err != nil {
		a.failTurn(inv, a.mapTurnError(ctx, turnCtx, err))
		a.observe("error", started)
		return
	}

	if replyMsg.Metadata[MetadataToolCall] != "" {
		if err := a.transition(domain.EventToolRequested); err != nil {
			a.failTurn(inv, err)
			a.observe("state_error", started)
			return
		}
		if err := a.transition(domain.EventToolResolved); err != nil {
			a.failTurn(inv, err)
			a.observe("state_error", started)
			return
		}
	} else if err := a.transition(domain.EventLLMProduced); err != nil {
		a.failTurn(inv, err)
		a.observe("state_error", started)
		return
	}

	if err := a.memory.Append(turnCtx, a.id, replyMsg); err != nil {
		// The reply still goes to the caller; the drop is logged, not
		// hidden.
		a.logger.Warn("assistant_append_rejected", "error", err)
	}

	// Complete the cycle before publishing the reply so observers never
	// see a finished turn with a mid-turn state.
	if err := a.transition(domain.EventCompleted); err != nil {
		a.logger.Error("completion_transition_failed", "error", err)
		a.forceIdle()
	}
	a.processed.Add(1)
	a.touch()
	a.reply(inv, Reply{Message: replyMsg})
	a.observe("success", started)
}

func (a *Actor) validateTurn(inv Invocation, now time.Time) error {
	if len(inv.History) == 0 {
		return &domain.MessageError{Reason: "history is empty"}
	}
	for _, msg := range inv.History {
		if err := msg.Validate(now); err != nil {
			return err
		}
	}
	return nil
}

// turnContext bounds the turn by the caller deadline and the actor
// step timeout, and wires caller abandonment to cancellation.
func (a *Actor) turnContext(ctx context.Context, inv Invocation, now time.Time) (context.Context, context.CancelFunc) {
	deadline := now.Add(a.cfg.StepTimeout)
	if !inv.Deadline.IsZero() && inv.Deadline.Before(deadline) {
		deadline = inv.Deadline
	}
	turnCtx, cancel := context.WithDeadline(ctx, deadline)

	if inv.CallerDone != nil {
		go func() {
			select {
			case <-inv.CallerDone:
				cancel()
			case <-turnCtx.Done():
			}
		}()
	}
	return turnCtx, cancel
}

// complete calls the provider with one bounded retry for retriable
// upstream failures.
func (a *Actor) complete(ctx context.Context, history []domain.CanonicalMessage) (domain.CanonicalMessage, error) {
	var out domain.CanonicalMessage
	call := func(callCtx context.Context) error {
		msg, err := a.provider.Complete(callCtx, domain.CloneHistory(history))
		if err != nil {
			return err
		}
		out = msg
		return nil
	}

	var err error
	if a.executor != nil {
		err = a.executor.Execute(ctx, "llm.complete", call, classifyTurnError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.CanonicalMessage{}, err
	}
	if out.Role != domain.RoleAssistant {
		return domain.CanonicalMessage{}, &domain.MessageError{
			Reason: fmt.Sprintf("provider returned role %q, want assistant", out.Role),
		}
	}
	return out, nil
}

func classifyTurnError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if domain.IsRetriableUpstream(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func (a *Actor) mapTurnError(actorCtx, turnCtx context.Context, err error) error {
	switch {
	case actorCtx.Err() != nil:
		return domain.Unavailable(domain.ReasonShuttingDown)
	case errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		return domain.ErrTimeout
	case resilience.IsCircuitOpen(err):
		return domain.Unavailable(domain.ReasonCircuitOpen)
	default:
		return err
	}
}

// failTurn publishes the failure and restores Idle through the state
// machine so the next invocation is serviceable.
func (a *Actor) failTurn(inv Invocation, err error) {
	for a.State() != domain.StateIdle {
		next, terr := domain.Next(a.State(), domain.EventFailed)
		if terr != nil {
			a.forceIdle()
			break
		}
		a.setState(next)
	}
	a.reply(inv, Reply{Err: err})
	a.touch()
}

// transition applies one event through the domain state machine and
// publishes the result.
func (a *Actor) transition(event domain.AgentEvent) error {
	next, err := domain.Next(a.State(), event)
	if err != nil {
		return err
	}
	a.setState(next)
	return nil
}

func (a *Actor) setState(state domain.AgentState) {
	a.state.Store(stateCodes[state])
}

// forceIdle is the last resort when the machine cannot walk back; it
// keeps the actor serviceable rather than wedged.
func (a *Actor) forceIdle() {
	a.setState(domain.StateIdle)
}

// touch advances last activity monotonically.
func (a *Actor) touch() {
	now := a.clock.Now().UnixNano()
	for {
		prev := a.lastActivity.Load()
		if now <= prev || a.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// reply never blocks: the channel is buffered and an absent caller
// just drops the value.
func (a *Actor) reply(inv Invocation, r Reply) {
	if inv.Reply == nil {
		return
	}
	select {
	case inv.Reply <- r:
	default:
		a.logger.Debug("reply_dropped", "error", r.Err)
	}
}

func (a *Actor) observe(status string, started time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.ObserveInvocation(status, a.clock.Now().Sub(started).Seconds())
}
