package scribehub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribehub/pkg/broker"
	"github.com/harunnryd/scribehub/pkg/clients"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/metrics"
	"github.com/harunnryd/scribehub/pkg/multiwindow"
	"github.com/harunnryd/scribehub/pkg/observers"
	"github.com/harunnryd/scribehub/pkg/offlinequeue"
	"github.com/harunnryd/scribehub/pkg/protocol"
	"github.com/harunnryd/scribehub/pkg/redact"
	"github.com/harunnryd/scribehub/pkg/runner"
	"github.com/harunnryd/scribehub/pkg/storage/sqlite"
)

// Engine owns every long-lived component of one broker process.
type Engine struct {
	cfg         Config
	logger      *slog.Logger
	providers   *ProviderRegistry
	store       *sqlite.Store
	queue       *offlinequeue.Queue
	registry    *clients.Registry
	coordinator *multiwindow.Coordinator
	broker      atomic.Pointer[broker.Broker]
	asyncObs    *metrics.AsyncObserver
	jsonlObs    *metrics.JSONLObserver
	counter     *metrics.MemoryObserver
	runner      *runner.LifecycleRunner

	cfgMu     sync.Mutex
	drainOnce sync.Once
	drainErr  error
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Observer receives metrics in addition to the configured sinks.
	Observer metrics.Observer
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(base, "engine"),
		providers: opts.Providers,
	}
	if e.providers == nil {
		e.providers = DefaultProviders()
	}

	e.logger.Info("scribehub_init",
		slog.String("environment", cfg.Environment),
		slog.String("upstream_provider", cfg.Upstream.Provider),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("queue_path", cfg.OfflineQueue.Path),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII))

	e.counter = metrics.NewEventCounter()
	obsList := []metrics.Observer{observers.NewLoggerObserver(base), e.counter}
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.jsonlObs = jsonl
		obsList = append(obsList, jsonl)
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.AsyncBuffer)

	dialers, err := e.providers.BuildUpstream(cfg.Upstream.Provider, cfg.Upstream.Settings)
	if err != nil {
		e.closeObservers()
		return nil, err
	}

	store, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		e.closeObservers()
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.store = store

	qcfg := cfg.QueueConfig()
	qcfg.Observer = e.asyncObs
	qcfg.Logger = base
	queue, err := offlinequeue.Open(store, qcfg, e.queueListener())
	if err != nil {
		_ = store.Close()
		e.closeObservers()
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	e.queue = queue

	e.registry = clients.NewRegistry(
		clients.WithObserver(e.asyncObs),
		clients.WithLogger(base),
	)
	e.coordinator = multiwindow.NewCoordinator(
		multiwindow.WithLogger(base),
		multiwindow.WithListener(e.windowListener()),
	)
	b := broker.New(cfg.BrokerConfig(), broker.Deps{
		Registry:    e.registry,
		Coordinator: e.coordinator,
		Queue:       queue,
		Dialers:     dialers,
		Observer:    e.asyncObs,
		Logger:      base,
		EventCounts: e.counter.Counts,
	})
	e.broker.Store(b)

	hooks := runner.Hooks{
		OnStart: func() {
			e.logger.Info("engine_ready",
				slog.String("addr", cfg.Server.Addr),
				slog.String("ws_path", cfg.Server.WSPath))
		},
		OnStop: func(drainErr error) {
			if drainErr != nil {
				e.logger.Error("drain_failed", slog.String("error", drainErr.Error()))
			}
			e.logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int("clients", e.registry.Count()))
		},
	}
	e.runner = runner.NewLifecycleRunner(e, hooks, cfg.DrainTimeout())
	return e, nil
}

// queueListener relays storage health to status subscribers once the broker
// exists. Events raised while the engine is still being built are dropped.
func (e *Engine) queueListener() offlinequeue.Listener {
	return offlinequeue.ListenerFuncs{
		StatusChange: func(from, to offlinequeue.Status) {
			if b := e.broker.Load(); b != nil {
				b.QueueStatusChanged(from, to)
			}
		},
		OperationFailed: func(op offlinequeue.Operation) {
			if e.registry == nil {
				return
			}
			err := fmt.Errorf("write to %s abandoned after %d attempts: %s", op.Table, op.RetryCount, redact.Text(op.LastError))
			e.registry.Broadcast(protocol.Error(errorsx.Wrap(err, errorsx.ReasonStoreQuery)), clients.Filter{
				Feed:  clients.FeedStatus,
				Roles: []clients.Role{clients.RoleDashboard, clients.RoleAutomation},
			})
		},
	}
}

// windowListener tells dashboards when an operator's recording is lost.
func (e *Engine) windowListener() multiwindow.Listener {
	return multiwindow.ListenerFuncs{
		RecordingOrphaned: func(operatorID, windowID string) {
			e.registry.Broadcast(protocol.RecordingOrphaned(windowID), clients.Filter{
				OperatorID: operatorID,
				Roles:      []clients.Role{clients.RoleDashboard},
			})
		},
	}
}

// Run serves until ctx is cancelled or Stop is called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.queue.Start(ctx)
	if err := e.Broker().Start(ctx); err != nil {
		_ = e.Drain()
		return err
	}
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Drain stops the broker first so final run updates and chunk flushes still
// reach the queue, then persists the queue and closes the store.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		var errs []error
		if b := e.Broker(); b != nil {
			errs = append(errs, b.Drain())
		}
		if e.queue != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			report := e.queue.Sync(ctx)
			cancel()
			e.logger.Info("final_queue_sync",
				slog.Int("replayed", report.Succeeded),
				slog.Int("remaining", e.queue.Stats().Pending))
			errs = append(errs, e.queue.Close())
		}
		if e.store != nil {
			errs = append(errs, e.store.Close())
		}
		errs = append(errs, e.closeObservers())
		e.drainErr = errors.Join(errs...)
	})
	return e.drainErr
}

func (e *Engine) closeObservers() error {
	var errs []error
	if e.asyncObs != nil {
		errs = append(errs, e.asyncObs.Close())
	}
	if e.jsonlObs != nil {
		errs = append(errs, e.jsonlObs.Close())
	}
	return errors.Join(errs...)
}

// ApplyReload hot-applies the settings that can change without a restart.
func (e *Engine) ApplyReload(cfg Config) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if !strings.EqualFold(cfg.LogLevel, e.cfg.LogLevel) {
		logging.SetLevel(cfg.LogLevel)
		e.logger.Info("log_level_changed",
			slog.String("from", e.cfg.LogLevel),
			slog.String("to", cfg.LogLevel))
	}
	if cfg.Privacy.RedactPII != e.cfg.Privacy.RedactPII {
		redact.SetEnabled(cfg.Privacy.RedactPII)
		e.logger.Info("redaction_changed", slog.Bool("redact_pii", cfg.Privacy.RedactPII))
	}
	e.cfg.LogLevel = cfg.LogLevel
	e.cfg.Privacy = cfg.Privacy
}

func (e *Engine) Broker() *broker.Broker {
	return e.broker.Load()
}

func (e *Engine) Queue() *offlinequeue.Queue {
	return e.queue
}

func (e *Engine) Config() Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg
}

func (e *Engine) State() runner.State {
	return e.runner.State()
}
