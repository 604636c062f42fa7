package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/clocksync"
	"github.com/MarcoPoloResearchLab/mealgate/internal/config"
	"github.com/MarcoPoloResearchLab/mealgate/internal/connectivity"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/localstore"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/MarcoPoloResearchLab/mealgate/internal/retry"
	"go.uber.org/zap"
)

const flushPollInterval = 50 * time.Millisecond

// AgentConfig wires an Agent from client settings.
type AgentConfig struct {
	Settings   config.ClientConfig
	HTTPClient *http.Client
	// OnDropped is told about every queued action that will never be applied.
	OnDropped func(action queue.QueuedAction, err error)
	Logger    *zap.Logger
}

// Agent owns the client-side components: the API client, connectivity prober, clock
// engine, durable queue and the coordinator in front of them.
type Agent struct {
	API         *API
	Prober      *connectivity.Prober
	Clock       *clocksync.Engine
	Queue       *queue.Queue
	Coordinator *Coordinator

	memberID string
	logger   *zap.Logger

	closeOnce sync.Once
}

// NewAgent builds every component. Nothing runs until Start.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	settings := cfg.Settings
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := NewAPI(APIConfig{
		BaseURL:    settings.ServerURL,
		Token:      settings.Token,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger.Named("api"),
	})
	if err != nil {
		return nil, err
	}

	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		Checker:  api,
		Interval: settings.ProbeInterval,
		Logger:   logger.Named("connectivity"),
	})
	if err != nil {
		return nil, err
	}

	retryPolicy := retry.Policy{
		MaxRetries: settings.MaxRetries,
		BaseDelay:  settings.BaseDelay,
		MaxDelay:   settings.MaxDelay,
	}

	clockStore, err := localstore.NewClockStore(settings.StateDir, logger.Named("localstore"))
	if err != nil {
		return nil, err
	}
	engine, err := clocksync.NewEngine(clocksync.Config{
		Source:       api,
		Store:        clockStore,
		SyncInterval: settings.SyncInterval,
		StaleAfter:   settings.StaleAfter,
		MaxAge:       settings.MaxAge,
		Retry:        retryPolicy,
		Logger:       logger.Named("clocksync"),
	})
	if err != nil {
		return nil, err
	}

	queueStore, err := localstore.NewQueueStore(settings.StateDir, logger.Named("localstore"))
	if err != nil {
		return nil, err
	}
	executor := NewExecutor(api)
	actionQueue, err := queue.New(queue.Config{
		Executor:     executor,
		Store:        queueStore,
		Connectivity: prober,
		MaxAttempts:  settings.MaxAttempts,
		Retry:        retryPolicy,
		OnDropped:    cfg.OnDropped,
		Logger:       logger.Named("queue"),
	})
	if err != nil {
		return nil, err
	}

	policy, err := fallbackPolicy(settings.Cutoff)
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Clock:        engine,
		Policy:       policy,
		Executor:     executor,
		Queue:        actionQueue,
		Connectivity: prober,
		Logger:       logger.Named("coordinator"),
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		API:         api,
		Prober:      prober,
		Clock:       engine,
		Queue:       actionQueue,
		Coordinator: coordinator,
		memberID:    settings.MemberID,
		logger:      logger,
	}, nil
}

func fallbackPolicy(settings config.CutoffConfig) (cutoff.Policy, error) {
	location, err := settings.Location()
	if err != nil {
		return cutoff.Policy{}, err
	}
	return cutoff.NewPolicy(cutoff.Config{
		MorningHour: settings.MorningHour,
		NightHour:   settings.NightHour,
		Location:    location,
	})
}

// MemberID returns the member this agent acts for.
func (a *Agent) MemberID() string {
	return a.memberID
}

// Start probes connectivity once, then starts background probing, clock synchronization
// and the queue worker. When the server answers, its cutoff settings replace the
// configured fallback and the clock is synchronized before Start returns.
func (a *Agent) Start(ctx context.Context) error {
	online := a.Prober.Probe(ctx)
	a.Prober.Start(ctx)
	a.Clock.Initialize(ctx)
	if err := a.Queue.Initialize(ctx); err != nil {
		return err
	}
	if !online {
		a.logger.Info("starting offline; actions will be queued")
		return nil
	}
	if err := a.RefreshPolicy(ctx); err != nil {
		a.logger.Warn("server cutoff settings unavailable, using configured hours", zap.Error(err))
	}
	if _, err := a.Clock.Synchronize(ctx); err != nil {
		a.logger.Warn("initial clock synchronization failed", zap.Error(err))
	}
	return nil
}

// RefreshPolicy fetches the server's cutoff settings.
func (a *Agent) RefreshPolicy(ctx context.Context) error {
	settings, err := a.API.CutoffSettings(ctx)
	if err != nil {
		return err
	}
	policy, err := settings.Policy()
	if err != nil {
		return err
	}
	a.Coordinator.SetPolicy(policy)
	return nil
}

// Flush replays pending actions while online, waiting at most timeout. A drain already
// running in the background, or a scheduled retry, is waited for rather than interrupted.
func (a *Agent) Flush(ctx context.Context, timeout time.Duration) error {
	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		if !a.Prober.Online() || a.Queue.Len() == 0 {
			return nil
		}
		if err := a.Queue.Drain(flushCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case <-flushCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops every background component. Pending actions stay on disk.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.Queue.Shutdown()
		a.Clock.Shutdown()
		a.Prober.Stop()
	})
}
