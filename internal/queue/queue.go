// Package queue holds user actions durably while the server is unreachable and replays
// them in order once connectivity returns.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/connectivity"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"github.com/MarcoPoloResearchLab/mealgate/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxAttempts is the per-item attempt ceiling.
const DefaultMaxAttempts = 3

var errMissingExecutor = errors.New("queue: executor is required")

// Status summarizes the queue for display.
type Status string

const (
	// StatusIdle means nothing is being replayed.
	StatusIdle Status = "idle"
	// StatusProcessing means a drain is replaying the head of the queue.
	StatusProcessing Status = "processing"
	// StatusError means the last drain dropped at least one action.
	StatusError Status = "error"
)

// QueuedAction is a pending user action.
type QueuedAction struct {
	ID           string
	Payload      Payload
	EnqueuedAt   time.Time
	AttemptCount int
}

// Store persists the full ordered snapshot of pending actions.
type Store interface {
	Load(ctx context.Context) ([]QueuedAction, error)
	Save(ctx context.Context, actions []QueuedAction) error
}

// Listener observes status and length changes.
type Listener func(status Status, length int)

// Config wires a Queue.
type Config struct {
	Executor     Executor
	Store        Store
	Connectivity connectivity.Watcher
	MaxAttempts  int
	Retry        retry.Policy
	Clock        func() time.Time
	IDProvider   func() string
	// OnDropped is called once for every action removed without succeeding.
	OnDropped func(action QueuedAction, err error)
	Logger    *zap.Logger
}

// Queue is a durable FIFO of user actions with a single sequential drainer.
type Queue struct {
	executor     Executor
	store        Store
	watcher      connectivity.Watcher
	maxAttempts  int
	retryPolicy  retry.Policy
	clock        func() time.Time
	idProvider   func() string
	onDropped    func(QueuedAction, error)
	logger       *zap.Logger
	trigger      chan struct{}
	draining     atomic.Bool
	persistMu    sync.Mutex
	mu           sync.Mutex
	items        []QueuedAction
	status       Status
	listeners    map[int]Listener
	nextListener int
	backoff      *time.Timer

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	stopWatch   func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs an empty queue. Initialize restores persisted actions and starts the
// drain worker.
func New(cfg Config) (*Queue, error) {
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryPolicy := cfg.Retry
	if retryPolicy.IsZero() {
		retryPolicy = retry.DefaultPolicy()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := &Queue{
		executor:    cfg.Executor,
		store:       cfg.Store,
		watcher:     cfg.Connectivity,
		maxAttempts: maxAttempts,
		retryPolicy: retryPolicy,
		clock:       clock,
		idProvider:  idProvider,
		onDropped:   cfg.OnDropped,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
		status:      StatusIdle,
		listeners:   make(map[int]Listener),
	}
	return queue, nil
}

// Initialize loads the persisted snapshot, registers for connectivity edges and starts the
// worker. A drain is triggered immediately when online with pending items.
func (q *Queue) Initialize(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.started || q.stopped {
		return nil
	}
	q.started = true

	if q.store != nil {
		restored, err := q.store.Load(ctx)
		if err != nil {
			q.logger.Warn("queue snapshot unreadable", zap.Error(err))
		}
		if len(restored) > 0 {
			q.mu.Lock()
			known := make(map[string]struct{}, len(q.items))
			for _, item := range q.items {
				known[item.ID] = struct{}{}
			}
			merged := make([]QueuedAction, 0, len(restored)+len(q.items))
			for _, item := range restored {
				if _, seen := known[item.ID]; !seen {
					merged = append(merged, item)
				}
			}
			q.items = append(merged, q.items...)
			q.mu.Unlock()
			q.logger.Info("queue restored", zap.Int("pending", len(restored)))
		}
	}

	if q.watcher != nil {
		q.stopWatch = q.watcher.Watch(q.handleOnline, q.handleOffline)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.worker(workerCtx)

	q.notify()
	if q.Len() > 0 {
		q.signal()
	}
	return nil
}

// Shutdown stops the worker, the connectivity registration and any pending backoff. It is
// idempotent and safe before Initialize.
func (q *Queue) Shutdown() {
	q.lifecycleMu.Lock()
	if q.stopped {
		q.lifecycleMu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	stopWatch := q.stopWatch
	q.lifecycleMu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	q.mu.Lock()
	if q.backoff != nil {
		q.backoff.Stop()
		q.backoff = nil
	}
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue appends payload, persists the snapshot and triggers a drain when online.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (QueuedAction, error) {
	if payload == nil {
		return QueuedAction{}, ErrInvalidPayload
	}
	if err := payload.Validate(); err != nil {
		return QueuedAction{}, err
	}
	action := QueuedAction{
		ID:         q.idProvider(),
		Payload:    payload,
		EnqueuedAt: q.clock().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, action)
	q.mu.Unlock()

	q.persist(ctx)
	q.notify()
	q.logger.Debug("action queued", zap.String("action_id", action.ID), zap.String("kind", string(payload.Kind())))

	if q.isOnline() {
		q.signal()
	}
	return action, nil
}

// Drain replays pending actions now. It does nothing while offline or while another drain
// is running.
func (q *Queue) Drain(ctx context.Context) error {
	q.drain(ctx)
	return ctx.Err()
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Status returns the current status.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Pending returns a copy of the pending actions in order.
func (q *Queue) Pending() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedAction(nil), q.items...)
}

// Subscribe registers listener and immediately replays the current state to it.
func (q *Queue) Subscribe(listener Listener) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = listener
	status, length := q.status, len(q.items)
	q.mu.Unlock()

	listener(status, length)

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.listeners, id)
			q.mu.Unlock()
		})
	}
}

func (q *Queue) isOnline() bool {
	return q.watcher == nil || q.watcher.Online()
}

func (q *Queue) handleOnline() {
	q.logger.Info("connectivity restored", zap.Int("pending", q.Len()))
	q.signal()
}

func (q *Queue) handleOffline() {
	q.logger.Info("connectivity lost", zap.Int("pending", q.Len()))
}

// signal requests a drain. Pending requests coalesce into one.
func (q *Queue) signal() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			q.drain(ctx)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	if !q.isOnline() {
		return
	}
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	q.setStatus(StatusProcessing)
	dropped := false
	defer func() {
		if dropped {
			q.setStatus(StatusError)
			return
		}
		q.setStatus(StatusIdle)
	}()

	for {
		if ctx.Err() != nil || !q.isOnline() {
			return
		}
		head, ok := q.head()
		if !ok {
			return
		}
		q.setStatus(StatusProcessing)

		err := head.Payload.apply(ctx, q.executor)
		if err == nil {
			q.remove(head.ID)
			q.persist(ctx)
			q.notify()
			q.logger.Debug("queued action replayed", zap.String("action_id", head.ID))
			continue
		}
		if ctx.Err() != nil {
			return
		}

		attempts := q.incrementAttempts(head.ID)
		if failures.IsTerminal(err) || attempts >= q.maxAttempts {
			head.AttemptCount = attempts
			q.remove(head.ID)
			q.persist(ctx)
			dropped = true
			q.mu.Lock()
			q.status = StatusError
			q.mu.Unlock()
			q.notify()
			q.logger.Warn("queued action dropped",
				zap.String("action_id", head.ID),
				zap.String("kind", string(head.Payload.Kind())),
				zap.Int("attempts", attempts),
				zap.String("category", string(failures.CategoryOf(err))),
				zap.Error(err))
			if q.onDropped != nil {
				q.onDropped(head, err)
			}
			continue
		}

		q.persist(ctx)
		delay := q.retryPolicy.Delay(attempts - 1)
		q.scheduleRetry(delay)
		q.logger.Info("queued action failed, retry scheduled",
			zap.String("action_id", head.ID),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}
}

func (q *Queue) head() (QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedAction{}, false
	}
	return q.items[0], true
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for index := range q.items {
		if q.items[index].ID == id {
			q.items = append(q.items[:index], q.items[index+1:]...)
			return
		}
	}
}

func (q *Queue) incrementAttempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for index := range q.items {
		if q.items[index].ID == id {
			q.items[index].AttemptCount++
			return q.items[index].AttemptCount
		}
	}
	return 0
}

func (q *Queue) scheduleRetry(delay time.Duration) {
	q.lifecycleMu.Lock()
	stopped := q.stopped
	q.lifecycleMu.Unlock()
	if stopped {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.backoff != nil {
		q.backoff.Stop()
	}
	q.backoff = time.AfterFunc(delay, q.signal)
}

func (q *Queue) setStatus(status Status) {
	q.mu.Lock()
	changed := q.status != status
	q.status = status
	q.mu.Unlock()
	if changed {
		q.notify()
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	status, length := q.status, len(q.items)
	listeners := make([]Listener, 0, len(q.listeners))
	for _, listener := range q.listeners {
		listeners = append(listeners, listener)
	}
	q.mu.Unlock()

	for _, listener := range listeners {
		listener(status, length)
	}
}

// persist writes the current snapshot. Failures are logged; the in-memory queue stays
// authoritative until the next successful write.
func (q *Queue) persist(ctx context.Context) {
	if q.store == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	snapshot := q.Pending()
	if err := q.store.Save(ctx, snapshot); err != nil {
		q.logger.Error("queue snapshot not persisted", zap.Int("pending", len(snapshot)), zap.Error(err))
	}
}
