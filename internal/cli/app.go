package cli

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sentinentx/internal/agents"
	"sentinentx/internal/config"
	"sentinentx/internal/consensus"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/execution"
	"sentinentx/internal/lock"
	"sentinentx/internal/metrics"
	"sentinentx/internal/notify"
	"sentinentx/internal/protection"
	"sentinentx/internal/resilience"
	"sentinentx/internal/risk"
	"sentinentx/internal/security"
	"sentinentx/internal/store"
	"sentinentx/internal/trading"
)

// streamMaxAge is how long a streamed ticker is trusted over REST.
const streamMaxAge = 5 * time.Second

// App holds the application dependencies. Fields left nil are built from the
// config on first use, so tests can inject a paper gateway or static providers.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Gateway   exchange.Gateway
	Store     store.DataStore
	Alerter   notify.Alerter
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Providers []agents.Provider
	Stream    *exchange.TickerStream
	Tracker   *resilience.ExecutionQualityTracker
	Breakers  *resilience.Breakers
	Limiter   *consensus.VetoLimiter

	once    sync.Once
	initErr error
}

// init builds every missing dependency once.
func (a *App) init() error {
	a.once.Do(func() {
		a.initErr = a.build()
	})
	return a.initErr
}

func (a *App) build() error {
	cfg := a.Config
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	if a.Alerter == nil {
		a.Alerter = notify.FromConfig(cfg.Alerts, a.Logger)
	}
	if a.Locker == nil {
		a.Locker = lock.New(cfg.Lock, a.Logger)
	}

	if a.Limiter == nil {
		a.Limiter = consensus.NewVetoLimiter(cfg.Consensus.VetoRatePerMinute, cfg.Consensus.VetoCooldown)
	}
	if a.Breakers == nil {
		a.Breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig(), a.Logger)
	}
	if a.Gateway == nil {
		a.Gateway = a.buildGateway()
	}

	if a.Store == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return errors.Wrap(err, "creating store directory")
		}
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		a.Store = st
		a.Logger.Debug().Str("path", cfg.Store.Path).Msg("SQLite store initialized")
	}

	if a.Providers == nil {
		providers, err := agents.FromConfig(cfg, a.Logger)
		if err != nil {
			return errors.Wrap(err, "building providers")
		}
		a.Providers = providers
	}

	if a.Tracker == nil {
		a.Tracker = resilience.NewExecutionQualityTracker(resilience.DefaultExecutionTrackerConfig())
		alerter := a.Alerter
		a.Tracker.SetAlertCallback(func(al resilience.ExecutionAlert) {
			_ = alerter.Alert(context.Background(), notify.Alert{
				Severity:  notify.SeverityWarning,
				Kind:      notify.KindExecution,
				Symbol:    al.Symbol,
				Message:   al.Message,
				Data:      map[string]interface{}{"type": al.Type, "value": al.Value, "threshold": al.Threshold, "order_id": al.OrderID},
				Timestamp: al.Timestamp,
			})
		})
	}
	return nil
}

// buildGateway returns the Bybit client, optionally fronted by the ticker
// stream, wrapped in the paper simulator or the read-only guard as configured.
func (a *App) buildGateway() exchange.Gateway {
	cfg := a.Config
	var gw exchange.Gateway = exchange.NewBybitClient(exchange.BybitConfig{
		BaseURL:       cfg.Exchange.BaseURL,
		APIKey:        cfg.Credentials.Bybit.APIKey,
		APISecret:     cfg.Credentials.Bybit.APISecret,
		Category:      cfg.Trading.Category,
		RecvWindow:    cfg.Exchange.RecvWindow,
		Timeout:       cfg.Exchange.Timeout,
		RatePerSecond: cfg.Exchange.RatePerSecond,
		Burst:         cfg.Exchange.Burst,
	}, a.Breakers, a.Logger)

	if cfg.Exchange.UseStream {
		a.Stream = exchange.NewTickerStream(exchange.TickerStreamConfig{
			URL:     cfg.Exchange.WSURL,
			Symbols: cfg.Trading.Symbols,
		}, a.Logger)
		gw = exchange.NewCachedGateway(gw, a.Stream, streamMaxAge)
	}

	if cfg.IsPaperMode() {
		a.Logger.Info().Float64("equity", cfg.Trading.PaperEquity).Msg("Paper trading on live market data")
		return exchange.NewPaperGateway(exchange.PaperConfig{Data: gw, InitialEquity: cfg.Trading.PaperEquity})
	}
	if cfg.Security.ReadOnlyMode {
		a.Logger.Warn().Msg("Read-only mode, order placement disabled")
		return exchange.NewReadOnlyGateway(gw, security.NewAccessController(true))
	}
	return gw
}

// Aggregator builds the consensus aggregator over the configured providers.
// Every aggregator shares the app's veto limiter so cooldowns span cycles.
func (a *App) Aggregator() (*consensus.Aggregator, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return consensus.NewAggregator(a.Config.Consensus, a.Providers,
		consensus.WithRecorder(a.Store),
		consensus.WithLogger(a.Logger),
		consensus.WithMetrics(a.Metrics),
		consensus.WithLimiter(a.Limiter),
	), nil
}

// Gate builds the risk gate.
func (a *App) Gate() (*risk.Gate, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return risk.NewGate(a.Gateway, a.Config.Risk, risk.WithGateLogger(a.Logger), risk.WithGateMetrics(a.Metrics)), nil
}

// Executor builds the order executor with the configured ladder.
func (a *App) Executor() (*execution.Executor, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return execution.NewExecutor(a.Gateway, a.Config.Execution,
		execution.WithLadder(a.Config.Trading.Ladder),
		execution.WithTracker(a.Tracker),
		execution.WithMetrics(a.Metrics),
		execution.WithLogger(a.Logger),
	), nil
}

// Protector builds the protective order manager.
func (a *App) Protector() (*protection.Manager, error) {
	if err := a.init(); err != nil {
		return nil, err
	}
	return protection.NewManager(a.Gateway, a.Config.Protection,
		protection.WithAlerter(a.Alerter),
		protection.WithMetrics(a.Metrics),
		protection.WithLogger(a.Logger),
	), nil
}

// Cycle wires a full decision-gate-execution cycle.
func (a *App) Cycle() (*trading.Cycle, error) {
	agg, err := a.Aggregator()
	if err != nil {
		return nil, err
	}
	gate, err := a.Gate()
	if err != nil {
		return nil, err
	}
	exec, err := a.Executor()
	if err != nil {
		return nil, err
	}
	prot, err := a.Protector()
	if err != nil {
		return nil, err
	}
	return trading.NewCycle(a.Config, trading.Deps{
		Gateway:   a.Gateway,
		Decider:   agg,
		Gate:      gate,
		Executor:  exec,
		Protector: prot,
		Locker:    a.Locker,
		Store:     a.Store,
		Alerter:   a.Alerter,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
	}), nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
