// Package clocksync estimates the offset between the local clock and the server clock and
// exposes a corrected Now that never fails.
package clocksync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/retry"
	"go.uber.org/zap"
)

const (
	// DefaultSyncInterval is the background resynchronization period.
	DefaultSyncInterval = 5 * time.Minute
	// DefaultStaleAfter is the age after which an estimate is reported stale.
	DefaultStaleAfter = time.Hour
	// DefaultMaxAge is the age after which a cached estimate is discarded on load.
	DefaultMaxAge = 24 * time.Hour

	latencyWindowSize = 10
)

var errMissingTimeSource = errors.New("clocksync: time source is required")

// TimeSource returns the authoritative server time.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// CachedOffset is the persisted form of an estimate. TimestampMillis is local time.
type CachedOffset struct {
	OffsetMillis    int64
	TimestampMillis int64
}

// Store persists the latest offset. Load reports false when nothing usable is stored.
type Store interface {
	LoadOffset(ctx context.Context) (CachedOffset, bool, error)
	SaveOffset(ctx context.Context, cached CachedOffset) error
}

// Estimate is a read-only view of the current clock estimate. SampleCount and
// AverageLatencyMillis cover the rolling window of the last 10 successful probes, not the
// engine's lifetime; SuccessRatePercent is lifetime.
type Estimate struct {
	OffsetMillis         int64
	MeasuredAt           time.Time
	Synced               bool
	AverageLatencyMillis float64
	SampleCount          int
	SuccessRatePercent   float64
}

// Offset returns the offset as a duration.
func (e Estimate) Offset() time.Duration {
	return time.Duration(e.OffsetMillis) * time.Millisecond
}

// Config wires the engine.
type Config struct {
	Source       TimeSource
	Store        Store
	LocalClock   func() time.Time
	SyncInterval time.Duration
	StaleAfter   time.Duration
	MaxAge       time.Duration
	Retry        retry.Policy
	Logger       *zap.Logger
}

// Engine owns the clock estimate. Construct one per process and share it.
type Engine struct {
	source       TimeSource
	store        Store
	local        func() time.Time
	syncInterval time.Duration
	staleAfter   time.Duration
	maxAge       time.Duration
	retryPolicy  retry.Policy
	logger       *zap.Logger

	mu         sync.RWMutex
	offset     time.Duration
	measuredAt time.Time
	synced     bool
	latencies  [latencyWindowSize]time.Duration
	latencyLen int
	latencyPos int
	attempts   uint64
	successes  uint64

	inFlight atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine constructs an unsynced engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errMissingTimeSource
	}
	local := cfg.LocalClock
	if local == nil {
		local = time.Now
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	retryPolicy := cfg.Retry
	if retryPolicy.IsZero() {
		retryPolicy = retry.DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:       cfg.Source,
		store:        cfg.Store,
		local:        local,
		syncInterval: syncInterval,
		staleAfter:   staleAfter,
		maxAge:       maxAge,
		retryPolicy:  retryPolicy,
		logger:       logger,
	}, nil
}

// Initialize restores a fresh cached offset, then synchronizes in the background and every
// sync interval until Shutdown. Calling it again, or after Shutdown, does nothing.
func (e *Engine) Initialize(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	e.restore(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(loopCtx)
}

// Shutdown stops background synchronization. The last estimate stays in place.
func (e *Engine) Shutdown() {
	e.lifecycleMu.Lock()
	if e.stopped {
		e.lifecycleMu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	e.synchronizeLogged(ctx)

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.synchronizeLogged(ctx)
		}
	}
}

func (e *Engine) synchronizeLogged(ctx context.Context) {
	if _, err := e.Synchronize(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("clock synchronization failed", zap.Error(err))
	}
}

func (e *Engine) restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	cached, ok, err := e.store.LoadOffset(ctx)
	if err != nil {
		e.logger.Warn("clock offset cache unreadable", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	measuredAt := time.UnixMilli(cached.TimestampMillis)
	age := e.local().Sub(measuredAt)
	if age > e.maxAge || age < -e.maxAge {
		e.logger.Info("clock offset cache expired", zap.Duration("age", age))
		return
	}

	e.mu.Lock()
	e.offset = time.Duration(cached.OffsetMillis) * time.Millisecond
	e.measuredAt = measuredAt
	e.synced = true
	e.mu.Unlock()
	e.logger.Debug("clock offset restored", zap.Int64("offset_ms", cached.OffsetMillis))
}

type probeSample struct {
	offset     time.Duration
	latency    time.Duration
	measuredAt time.Time
}

// Synchronize probes the server once, retrying transient failures. While a probe is in
// flight, concurrent callers get the current estimate without probing. On failure the
// previous offset is kept.
func (e *Engine) Synchronize(ctx context.Context) (Estimate, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return e.CurrentEstimate(), nil
	}
	defer e.inFlight.Store(false)

	sample, err := retry.ExecuteValue(ctx, e.retryPolicy, retry.Retryable, e.probe)

	e.mu.Lock()
	e.attempts++
	if err != nil {
		estimate := e.estimateLocked()
		e.mu.Unlock()
		return estimate, err
	}
	e.offset = sample.offset
	e.measuredAt = sample.measuredAt
	e.synced = true
	e.successes++
	e.latencies[e.latencyPos] = sample.latency
	e.latencyPos = (e.latencyPos + 1) % latencyWindowSize
	if e.latencyLen < latencyWindowSize {
		e.latencyLen++
	}
	estimate := e.estimateLocked()
	e.mu.Unlock()

	e.persist(ctx, estimate)
	e.logger.Debug("clock synchronized",
		zap.Int64("offset_ms", estimate.OffsetMillis),
		zap.Duration("latency", sample.latency))
	return estimate, nil
}

func (e *Engine) probe(ctx context.Context) (probeSample, error) {
	sentAt := e.local()
	serverTime, err := e.source.ServerTime(ctx)
	receivedAt := e.local()
	if err != nil {
		return probeSample{}, err
	}
	roundTrip := receivedAt.Sub(sentAt)
	if roundTrip < 0 {
		roundTrip = 0
	}
	latency := roundTrip / 2
	estimatedServerNow := serverTime.Add(latency)
	return probeSample{
		offset:     estimatedServerNow.Sub(receivedAt),
		latency:    latency,
		measuredAt: receivedAt,
	}, nil
}

func (e *Engine) persist(ctx context.Context, estimate Estimate) {
	if e.store == nil {
		return
	}
	cached := CachedOffset{OffsetMillis: estimate.OffsetMillis, TimestampMillis: estimate.MeasuredAt.UnixMilli()}
	if err := e.store.SaveOffset(ctx, cached); err != nil {
		e.logger.Warn("clock offset not persisted", zap.Error(err))
	}
}

// Now returns local time corrected by the current offset, or local time when unsynced.
func (e *Engine) Now() time.Time {
	e.mu.RLock()
	offset := e.offset
	e.mu.RUnlock()
	return e.local().Add(offset)
}

// IsStale reports whether the estimate is missing or older than the stale threshold.
func (e *Engine) IsStale() bool {
	e.mu.RLock()
	synced := e.synced
	measuredAt := e.measuredAt
	e.mu.RUnlock()
	if !synced {
		return true
	}
	return e.local().Sub(measuredAt) > e.staleAfter
}

// CurrentEstimate returns a consistent snapshot of the estimate and its statistics.
func (e *Engine) CurrentEstimate() Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimateLocked()
}

func (e *Engine) estimateLocked() Estimate {
	estimate := Estimate{
		OffsetMillis: e.offset.Milliseconds(),
		MeasuredAt:   e.measuredAt,
		Synced:       e.synced,
		SampleCount:  e.latencyLen,
	}
	if e.latencyLen > 0 {
		var total time.Duration
		for i := 0; i < e.latencyLen; i++ {
			total += e.latencies[i]
		}
		estimate.AverageLatencyMillis = float64(total) / float64(e.latencyLen) / float64(time.Millisecond)
	}
	if e.attempts > 0 {
		estimate.SuccessRatePercent = float64(e.successes) / float64(e.attempts) * 100
	}
	return estimate
}
