package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/memory"
)

// Supervisor defaults.
const (
	DefaultHealthInterval  = 10 * time.Second
	DefaultZombieThreshold = 60 * time.Second
	DefaultGracePeriod     = 30 * time.Second
	DefaultSendTimeout     = 5 * time.Second
	DefaultPoolTarget      = 2
	DefaultPoolCap         = 8
)

// terminateWait bounds how long Terminate waits for a single actor.
const terminateWait = 5 * time.Second

// SupervisorConfig tunes the lifecycle manager.
type SupervisorConfig struct {
	HealthInterval      time.Duration
	ZombieThreshold     time.Duration
	GracePeriod         time.Duration
	SendTimeout         time.Duration
	StepTimeout         time.Duration
	PoolTarget          int
	PoolCap             int
	MailboxCapacity     int
	ContextBudgetTokens uint64
}

func (c SupervisorConfig) normalize() SupervisorConfig {
	out := c
	if out.HealthInterval <= 0 {
		out.HealthInterval = DefaultHealthInterval
	}
	if out.ZombieThreshold <= 0 {
		out.ZombieThreshold = DefaultZombieThreshold
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = DefaultGracePeriod
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = DefaultStepTimeout
	}
	if out.PoolTarget <= 0 {
		out.PoolTarget = DefaultPoolTarget
	}
	if out.PoolCap < out.PoolTarget {
		out.PoolCap = out.PoolTarget
		if out.PoolCap < DefaultPoolCap {
			out.PoolCap = DefaultPoolCap
		}
	}
	if out.MailboxCapacity <= 0 {
		out.MailboxCapacity = DefaultMailboxCapacity
	}
	return out
}

// SupervisorMetrics is the slice of runtime metrics the supervisor
// reports into.
type SupervisorMetrics interface {
	SetAgents(n int)
	RecordSpawn()
	RecordRestart(reason string)
	RecordZombie()
	RecordDispatchRejected()
}

// AgentHealth is the supervisor's view of one agent.
type AgentHealth struct {
	ID           domain.AgentID
	State        domain.AgentState
	LastActivity time.Time
	Alive        bool
	Zombie       bool
}

// agentHandle holds everything the supervisor tracks per actor.
type agentHandle struct {
	id      domain.AgentID
	mailbox *Mailbox
	actor   *Actor
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

func (h *agentHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Supervisor is the only component authorised to construct or destroy
// agents. It owns the pool, the health loop, and graceful shutdown.
type Supervisor struct {
	mu     sync.RWMutex
	agents map[domain.AgentID]*agentHandle

	provider ports.LLMProvider
	memory   *memory.Manager
	clock    ports.Clock
	executor *resilience.Executor
	logger   *slog.Logger
	events   ports.EventSink
	metrics  SupervisorMetrics
	cfg      SupervisorConfig

	rootCtx    context.Context
	rootCancel context.CancelFunc

	exits chan domain.AgentID

	running      atomic.Bool
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

func NewSupervisor(
	provider ports.LLMProvider,
	mem *memory.Manager,
	clock ports.Clock,
	executor *resilience.Executor,
	cfg SupervisorConfig,
	logger *slog.Logger,
	events ports.EventSink,
	metrics SupervisorMetrics,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Supervisor{
		agents:       make(map[domain.AgentID]*agentHandle),
		provider:     provider,
		memory:       mem,
		clock:        clock,
		executor:     executor,
		logger:       logger.With("component", "supervisor"),
		events:       events,
		metrics:      metrics,
		cfg:          cfg.normalize(),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
		exits:        make(chan domain.AgentID, 64),
		shutdownDone: make(chan struct{}),
	}
}

// Spawn creates and starts a new agent actor.
func (s *Supervisor) Spawn() (domain.AgentID, error) {
	if s.shuttingDown.Load() {
		return domain.AgentID{}, domain.Unavailable(domain.ReasonShuttingDown)
	}

	s.mu.Lock()
	if len(s.agents) >= s.cfg.PoolCap {
		s.mu.Unlock()
		return domain.AgentID{}, &domain.DomainViolationError{Rule: "agent pool cap reached"}
	}

	id := domain.NewAgentID()
	mailbox := NewMailbox(s.cfg.MailboxCapacity)
	actor := NewActor(id, mailbox, s.provider, s.memory, s.clock, s.executor, ActorConfig{
		StepTimeout:         s.cfg.StepTimeout,
		ContextBudgetTokens: s.cfg.ContextBudgetTokens,
	}, s.logger, s.metricsAsActor())

	actorCtx, cancel := context.WithCancel(s.rootCtx)
	handle := &agentHandle{
		id:      id,
		mailbox: mailbox,
		actor:   actor,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.agents[id] = handle
	count := len(s.agents)
	s.mu.Unlock()

	go func() {
		err := actor.Run(actorCtx)
		handle.exitErr = err
		close(handle.done)
		select {
		case s.exits <- id:
		default:
		}
	}()

	if s.metrics != nil {
		s.metrics.RecordSpawn()
		s.metrics.SetAgents(count)
	}
	s.emit(domain.RuntimeEvent{Kind: domain.EventAgentSpawned, AgentID: id.String(), At: s.clock.Now()})
	return id, nil
}

// Terminate stops one agent and removes it from tracking.
func (s *Supervisor) Terminate(id domain.AgentID) error {
	s.mu.Lock()
	handle, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.agents, id)
	count := len(s.agents)
	s.mu.Unlock()

	handle.mailbox.Close()
	select {
	case <-handle.done:
	case <-time.After(terminateWait):
		handle.cancel()
		<-handle.done
	}
	handle.cancel()

	if s.metrics != nil {
		s.metrics.SetAgents(count)
	}
	s.emit(domain.RuntimeEvent{Kind: domain.EventAgentTerminated, AgentID: id.String(), At: s.clock.Now()})
	return nil
}

// Restart replaces one agent with a fresh one.
func (s *Supervisor) Restart(id domain.AgentID) (domain.AgentID, error) {
	if err := s.Terminate(id); err != nil {
		return domain.AgentID{}, err
	}
	replacement, err := s.Spawn()
	if err != nil {
		return domain.AgentID{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordRestart("manual")
	}
	s.emit(domain.RuntimeEvent{
		Kind:    domain.EventAgentRestarted,
		AgentID: replacement.String(),
		At:      s.clock.Now(),
		Fields:  map[string]string{"replaced": id.String()},
	})
	return replacement, nil
}

// Dispatch submits an invocation to one agent's mailbox, respecting
// backpressure.
func (s *Supervisor) Dispatch(id domain.AgentID, inv Invocation) error {
	if s.shuttingDown.Load() {
		if s.metrics != nil {
			s.metrics.RecordDispatchRejected()
		}
		return domain.Unavailable(domain.ReasonShuttingDown)
	}

	s.mu.RLock()
	handle, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok || !handle.alive() {
		return domain.ErrNotFound
	}

	if err := handle.mailbox.SendWithTimeout(inv, s.cfg.SendTimeout); err != nil {
		if s.metrics != nil {
			s.metrics.RecordDispatchRejected()
		}
		return err
	}
	return nil
}

// PickAvailable returns the least-recently-busy idle agent, growing
// the pool while it is under the cap. Concurrent callers may race a
// spawn to the cap; the loser falls back to the least busy agent.
func (s *Supervisor) PickAvailable() (domain.AgentID, error) {
	if s.shuttingDown.Load() {
		return domain.AgentID{}, domain.Unavailable(domain.ReasonShuttingDown)
	}

	for attempt := 0; attempt < 2; attempt++ {
		bestIdle, bestAny, poolSize := s.scanPool()
		if bestIdle != nil {
			return bestIdle.id, nil
		}
		if poolSize < s.cfg.PoolCap {
			id, err := s.Spawn()
			if err == nil {
				return id, nil
			}
			if !domain.IsKind(err, domain.ErrDomainViolation) {
				return domain.AgentID{}, err
			}
			continue
		}
		if bestAny != nil {
			return bestAny.id, nil
		}
	}

	_, bestAny, _ := s.scanPool()
	if bestAny != nil {
		return bestAny.id, nil
	}
	return domain.AgentID{}, domain.Unavailable(domain.ReasonBackpressure)
}

func (s *Supervisor) scanPool() (bestIdle, bestAny *agentHandle, poolSize int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, handle := range s.agents {
		if !handle.alive() {
			continue
		}
		if bestAny == nil || handle.actor.LastActivity().Before(bestAny.actor.LastActivity()) {
			bestAny = handle
		}
		if handle.actor.State() != domain.StateIdle {
			continue
		}
		if bestIdle == nil || handle.actor.LastActivity().Before(bestIdle.actor.LastActivity()) {
			bestIdle = handle
		}
	}
	return bestIdle, bestAny, len(s.agents)
}

// Health reports one agent's liveness.
func (s *Supervisor) Health(id domain.AgentID) (AgentHealth, error) {
	s.mu.RLock()
	handle, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return AgentHealth{}, domain.ErrNotFound
	}
	return s.healthOf(handle), nil
}

func (s *Supervisor) healthOf(handle *agentHandle) AgentHealth {
	lastActivity := handle.actor.LastActivity()
	state := handle.actor.State()
	alive := handle.alive()
	zombie := alive &&
		state != domain.StateIdle &&
		s.clock.Now().Sub(lastActivity) > s.cfg.ZombieThreshold
	return AgentHealth{
		ID:           handle.id,
		State:        state,
		LastActivity: lastActivity,
		Alive:        alive,
		Zombie:       zombie,
	}
}

// Statuses lists every tracked agent.
func (s *Supervisor) Statuses() []domain.AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AgentStatus, 0, len(s.agents))
	for _, handle := range s.agents {
		out = append(out, domain.AgentStatus{
			ID:                handle.id,
			State:             handle.actor.State(),
			LastActivity:      handle.actor.LastActivity(),
			MessagesProcessed: handle.actor.Processed(),
		})
	}
	return out
}

func (s *Supervisor) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Running reports whether the health loop is active and shutdown has
// not begun.
func (s *Supervisor) Running() bool {
	return s.running.Load() && !s.shuttingDown.Load()
}

// Run drives the health loop until ctx is cancelled, then shuts the
// pool down.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	s.logger.Info("supervisor_started", "agents", s.AgentCount())

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case id := <-s.exits:
			s.handleExit(id)
		case <-ticker.C:
			s.healthScan()
		}
	}
}

// handleExit restarts actors whose task ended while still tracked:
// either a panic (converted to an error by the actor) or an unexpected
// loop exit.
func (s *Supervisor) handleExit(id domain.AgentID) {
	if s.shuttingDown.Load() {
		return
	}

	s.mu.RLock()
	handle, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok || handle.alive() {
		return
	}

	if handle.exitErr != nil {
		if s.metrics != nil {
			s.metrics.RecordRestart("panic")
		}
		s.emit(domain.RuntimeEvent{
			Kind:    domain.EventAgentPanicked,
			AgentID: id.String(),
			Reason:  handle.exitErr.Error(),
			At:      s.clock.Now(),
		})
	}

	if err := s.Terminate(id); err != nil && err != domain.ErrNotFound {
		s.logger.Error("exit_cleanup_failed", "agent", id.String(), "error", err)
	}
	if _, err := s.Spawn(); err != nil {
		s.logger.Error("exit_respawn_failed", "agent", id.String(), "error", err)
	}
}

// healthScan detects zombies: actors stuck mid-turn past the
// threshold. Each one is aborted and replaced.
func (s *Supervisor) healthScan() {
	s.mu.RLock()
	var zombies []*agentHandle
	for _, handle := range s.agents {
		if s.healthOf(handle).Zombie {
			zombies = append(zombies, handle)
		}
	}
	s.mu.RUnlock()

	for _, handle := range zombies {
		if s.metrics != nil {
			s.metrics.RecordZombie()
		}
		s.emit(domain.RuntimeEvent{
			Kind:    domain.EventZombieDetected,
			AgentID: handle.id.String(),
			Reason:  "no activity past zombie threshold",
			At:      s.clock.Now(),
		})

		// Abort rather than wait: the actor is wedged on something.
		handle.cancel()
		if err := s.Terminate(handle.id); err != nil && err != domain.ErrNotFound {
			s.logger.Error("zombie_terminate_failed", "agent", handle.id.String(), "error", err)
			continue
		}
		if _, err := s.Spawn(); err != nil {
			s.logger.Error("zombie_respawn_failed", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordRestart("zombie")
		}
	}
}

// Shutdown drains the pool: producers are stopped immediately, actors
// get the grace period to finish, stragglers are aborted. Idempotent;
// a second call just waits for the first to finish.
func (s *Supervisor) Shutdown() error {
	alreadyStarted := true
	s.shutdownOnce.Do(func() {
		alreadyStarted = false
		s.shuttingDown.Store(true)
		s.emit(domain.RuntimeEvent{Kind: domain.EventShutdownStarted, At: s.clock.Now()})

		s.mu.RLock()
		handles := make([]*agentHandle, 0, len(s.agents))
		for _, handle := range s.agents {
			handles = append(handles, handle)
		}
		s.mu.RUnlock()

		for _, handle := range handles {
			handle.mailbox.Close()
		}

		deadline := time.After(s.cfg.GracePeriod)
		for _, handle := range handles {
			select {
			case <-handle.done:
			case <-deadline:
				handle.cancel()
			}
		}
		for _, handle := range handles {
			handle.cancel()
			<-handle.done
		}

		s.mu.Lock()
		s.agents = make(map[domain.AgentID]*agentHandle)
		s.mu.Unlock()

		s.rootCancel()
		if s.metrics != nil {
			s.metrics.SetAgents(0)
		}
		s.emit(domain.RuntimeEvent{Kind: domain.EventShutdownCompleted, At: s.clock.Now()})
		close(s.shutdownDone)
	})
	if alreadyStarted {
		<-s.shutdownDone
	}
	return nil
}

func (s *Supervisor) emit(event domain.RuntimeEvent) {
	s.logger.Info(event.Kind, "agent", event.AgentID, "reason", event.Reason)
	if s.events == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(publishCtx, event); err != nil {
		s.logger.Warn("event_publish_failed", "kind", event.Kind, "error", err)
	}
}

// metricsAsActor narrows the supervisor metrics to what actors need.
func (s *Supervisor) metricsAsActor() ActorMetrics {
	if m, ok := s.metrics.(ActorMetrics); ok {
		return m
	}
	return nil
}
