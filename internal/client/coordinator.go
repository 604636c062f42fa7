package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/connectivity"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"go.uber.org/zap"
)

var (
	errMissingClock         = errors.New("client: clock is required")
	errMissingQueueExecutor = errors.New("client: executor is required")
	errMissingQueue         = errors.New("client: queue is required")
)

// Clock supplies corrected time. *clocksync.Engine satisfies it.
type Clock interface {
	Now() time.Time
}

// Outcome tells the caller what happened to a submitted action.
type Outcome string

const (
	// OutcomeApplied means the server accepted the action.
	OutcomeApplied Outcome = "applied"
	// OutcomeQueued means the action was stored for replay.
	OutcomeQueued Outcome = "queued"
)

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Clock        Clock
	Policy       cutoff.Policy
	Executor     queue.Executor
	Queue        *queue.Queue
	Connectivity connectivity.Watcher
	Logger       *zap.Logger
}

// Coordinator runs the local cutoff check and then either applies an action directly or
// hands it to the queue.
type Coordinator struct {
	clock    Clock
	executor queue.Executor
	queue    *queue.Queue
	watcher  connectivity.Watcher
	logger   *zap.Logger

	mu     sync.RWMutex
	policy cutoff.Policy
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Clock == nil {
		return nil, errMissingClock
	}
	if cfg.Executor == nil {
		return nil, errMissingQueueExecutor
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		clock:    cfg.Clock,
		executor: cfg.Executor,
		queue:    cfg.Queue,
		watcher:  cfg.Connectivity,
		logger:   logger,
		policy:   cfg.Policy,
	}, nil
}

// Policy returns the policy used for local checks.
func (c *Coordinator) Policy() cutoff.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy replaces the local policy, e.g. after fetching the server's settings.
func (c *Coordinator) SetPolicy(policy cutoff.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

// Submit checks the cutoff locally, then applies payload when online and nothing is
// queued ahead of it. Offline submissions, submissions behind pending actions and
// transient failures are queued. A local cutoff rejection never reaches the server.
func (c *Coordinator) Submit(ctx context.Context, payload queue.Payload) (Outcome, error) {
	if payload == nil {
		return "", queue.ErrInvalidPayload
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	if _, date, period, bound := queue.CutoffSlot(payload); bound {
		policy := c.Policy()
		if policy.IsCutoffPassed(period, date, c.clock.Now()) {
			return "", failures.CutoffViolation("coordinator.submit", cutoff.RejectionReason(period, policy.CutoffLabel(period)))
		}
	}

	if c.watcher != nil && !c.watcher.Online() {
		return c.enqueue(ctx, payload)
	}
	// Earlier actions are still pending; applying this one now would overtake them.
	if c.queue.Len() > 0 {
		return c.enqueue(ctx, payload)
	}

	err := queue.Apply(ctx, c.executor, payload)
	if err == nil {
		return OutcomeApplied, nil
	}
	if failures.IsTransient(err) {
		c.logger.Info("action deferred to queue",
			zap.String("kind", string(payload.Kind())),
			zap.String("category", string(failures.CategoryOf(err))),
			zap.Error(err))
		return c.enqueue(ctx, payload)
	}
	return "", err
}

func (c *Coordinator) enqueue(ctx context.Context, payload queue.Payload) (Outcome, error) {
	if _, err := c.queue.Enqueue(ctx, payload); err != nil {
		return "", err
	}
	return OutcomeQueued, nil
}
