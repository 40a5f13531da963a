package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weviu/apr-hunter-sub000/internal/alerting"
	"github.com/weviu/apr-hunter-sub000/internal/config"
	"github.com/weviu/apr-hunter-sub000/internal/fetcher"
	"github.com/weviu/apr-hunter-sub000/internal/metrics"
	"github.com/weviu/apr-hunter-sub000/internal/scheduler"
	"github.com/weviu/apr-hunter-sub000/internal/service"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// DryRun forces the in-memory gateway even when a DSN is configured.
	DryRun bool
	// Out receives command output.
	Out io.Writer

	metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Out:     os.Stdout,
		metrics: metrics.New(cfg.Metrics.Namespace),
	}
}

// gateway bundles the persistence boundary with an optional advisory locker.
type gateway struct {
	storage.Gateway
	locker storage.AdvisoryLocker
	close  func()
}

func (a *App) openGateway(ctx context.Context) (*gateway, error) {
	if a.DryRun || a.Config.Database.DSN == "" {
		if !a.DryRun {
			a.Logger.Warn().Msg("database.dsn not configured; using in-memory gateway")
		}
		return &gateway{Gateway: storage.NewMemoryStore(), close: func() {}}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &gateway{Gateway: store, locker: store, close: store.Close}, nil
}

func (a *App) newConnectors() []fetcher.Connector {
	creds := fetcher.SecretCredentials(a.Config.Secrets())
	return fetcher.NewRegistry(a.Config.Sources, creds, a.Logger)
}

// newNotifiers returns the enabled delivery channels and a closer for them.
func (a *App) newNotifiers() ([]alerting.Notifier, func()) {
	var notifiers []alerting.Notifier
	closer := func() {}

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Kafka.Enabled {
		cfg := a.Config.Alerting.Kafka
		kafka := alerting.NewKafkaNotifier(cfg.Brokers, cfg.Topic, cfg.ClientID, a.Logger)
		notifiers = append(notifiers, kafka)
		closer = func() {
			if err := kafka.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close kafka writer")
			}
		}
	}
	return notifiers, closer
}

func (a *App) newService(gw *gateway, notifiers []alerting.Notifier) *service.Service {
	agg := service.NewAggregator(a.newConnectors(), gw, a.Logger, service.WithAggregatorMetrics(a.metrics))
	eval := alerting.NewEvaluator(gw, gw, a.Logger,
		alerting.WithDebounce(a.Config.Alerting.Debounce),
		alerting.WithNotifiers(notifiers...),
		alerting.WithMetrics(a.metrics),
	)
	return service.New(agg, eval, gw, service.Options{
		Locker:    gw.locker,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
		Retention: a.Config.Retention.Notifications,
		Metrics:   a.metrics,
	}, a.Logger)
}

// Run executes the long-running collection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, addr, a.Logger) })
	}

	if !a.Config.Collection.Enabled {
		a.Logger.Warn().Msg("collection.enabled is false; scheduler not started")
		<-gctx.Done()
		return ignoreCanceled(g.Wait())
	}

	gw, err := a.openGateway(gctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer gw.close()

	notifiers, closeNotifiers := a.newNotifiers()
	defer closeNotifiers()

	svc := a.newService(gw, notifiers)
	sched := scheduler.New(scheduler.Options{
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Metrics:      a.metrics,
	}, a.Logger)
	if err := svc.Register(sched, a.Config.Scheduler); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	a.Logger.Info().Msg("starting apr collection service")
	if err := sched.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	<-gctx.Done()
	sched.Stop()

	if err := ignoreCanceled(g.Wait()); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("apr collection service stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RatesOptions filter the rates table.
type RatesOptions struct {
	Asset    string
	Platform string
	Limit    int
}

// HistoryOptions select one offer's change history.
type HistoryOptions struct {
	Key  storage.RateKey
	From *time.Time
	To   *time.Time
}

// ExportOptions hold parameters for exporting an offer's history.
type ExportOptions struct {
	HistoryOptions
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
