package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProbeInterval is how often the server health endpoint is polled.
	DefaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

var errMissingChecker = errors.New("connectivity: health checker is required")

// HealthChecker reports whether the server can be reached.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Checker  HealthChecker
	Interval time.Duration
	Timeout  time.Duration
	// InitialOnline is the state reported before the first probe completes.
	InitialOnline bool
	Logger        *zap.Logger
}

// Prober is a Watcher driven by periodic health checks.
type Prober struct {
	*broadcaster
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewProber constructs a Prober. Call Start to begin polling.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Checker == nil {
		return nil, errMissingChecker
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		broadcaster: newBroadcaster(cfg.InitialOnline),
		checker:     cfg.Checker,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// Start probes once immediately and then every interval until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)
}

// Stop ends polling. It is safe to call more than once.
func (p *Prober) Stop() {
	p.lifecycleMu.Lock()
	cancel := p.cancel
	p.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Probe runs one health check and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(probeCtx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("server reachable")
		} else {
			p.logger.Warn("server unreachable", zap.Error(err))
		}
	}
	return online
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
