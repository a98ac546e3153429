// Package bootstrap assembles the engine from its components and owns
// the process lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"signal_relay/internal/broadcast"
	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/credentials"
	"signal_relay/internal/exchange"
	"signal_relay/internal/execution"
	"signal_relay/internal/infrastructure/metrics"
	"signal_relay/internal/ingress"
	"signal_relay/internal/monitor"
	"signal_relay/internal/notify"
	"signal_relay/internal/scheduler"
	"signal_relay/internal/store"
	"signal_relay/internal/strategy"
	"signal_relay/internal/tracker"
	"signal_relay/pkg/logging"
	"signal_relay/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// resolvingProvider decrypts stored account credentials before handing
// the account to the adapter factory. Accounts read from the store may
// carry encrypted credentials; adapters need plaintext.
type resolvingProvider struct {
	creds   *credentials.Manager
	factory *exchange.Factory
}

func (p *resolvingProvider) ForAccount(account *core.ExchangeAccount) (core.IExchange, error) {
	resolved, err := p.creds.Resolve(account)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for account %s: %w", account.ID, err)
	}
	return p.factory.ForAccount(resolved)
}

// App holds the assembled engine.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	telemetry *telemetry.Telemetry
	store     *store.SQLiteStore
	notifier  *notify.Notifier

	broadcaster *broadcast.Broadcaster
	ingress     *ingress.Server
	scheduler   *scheduler.Scheduler
	strategy    *strategy.Monitor
	metricsSrv  *metrics.Server
}

// New builds the application graph from the configuration.
func New(cfg *config.Config) (*App, error) {
	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	app := &App{cfg: cfg, logger: logger}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup(telemetry.Config{
			ServiceName:    "signal_relay",
			Environment:    cfg.Telemetry.Environment,
			DebugExporters: cfg.Telemetry.DebugExporters,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		app.telemetry = tel
		app.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	app.store = st

	app.notifier = notify.NewNotifier(st, logger)
	if cfg.Notify.TelegramBotToken != "" {
		app.notifier.AddChannel(notify.NewTelegramChannel(
			string(cfg.Notify.TelegramBotToken), cfg.Notify.TelegramChatID))
	}

	creds := credentials.NewManager(cfg.Credentials, logger)
	provider := &resolvingProvider{
		creds:   creds,
		factory: exchange.NewFactory(cfg.Venues, logger),
	}

	engine := execution.NewEngine(st, provider, creds, app.notifier, cfg.Engine, logger)
	app.broadcaster = broadcast.NewBroadcaster(st, engine, cfg.Engine, logger)
	app.ingress = ingress.NewServer(st, app.broadcaster, engine, provider, app.notifier, cfg.Engine, logger)

	trk := tracker.NewTracker(st, app.notifier, logger)
	mon := monitor.NewMonitor(st, provider, trk, logger)

	app.scheduler = scheduler.NewScheduler(st, provider, mon, trk, cfg.Engine, logger)
	app.scheduler.AddSweeper(engine.Cooldowns())
	app.scheduler.AddSweeper(app.ingress.IdempotencyCache())
	app.scheduler.OnDailyReport(app.dailyReport)

	if cfg.Strategy.Enabled {
		app.strategy = strategy.NewMonitor(cfg.Strategy, app.broadcaster, logger)
	}

	return app, nil
}

// Run starts every component and blocks until the context is canceled,
// then shuts the engine down in dependency order.
func (a *App) Run(ctx context.Context) error {
	port, err := listenPort(a.cfg.App.ListenAddr)
	if err != nil {
		return err
	}

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	a.scheduler.Start(ctx)
	if a.strategy != nil {
		a.strategy.Start()
	}
	a.ingress.Start(port)

	a.logger.Info("signal relay running", "listen_addr", a.cfg.App.ListenAddr)
	<-ctx.Done()
	a.logger.Info("shutdown requested")
	return a.shutdown()
}

// shutdown stops signal intake first so the background loops drain a
// fixed amount of work.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.ingress.Stop(ctx); err != nil {
		a.logger.Error("ingress shutdown failed", "error", err)
	}
	if a.strategy != nil {
		a.strategy.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		a.broadcaster.Stop()
		return nil
	})
	if a.metricsSrv != nil {
		g.Go(func() error { return a.metricsSrv.Stop(gctx) })
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("component shutdown failed", "error", err)
	}

	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	return a.store.Close()
}

// dailyReport pushes yesterday's finalized snapshot to each subscriber.
func (a *App) dailyReport(ctx context.Context, date string) error {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return err
	}
	reportDate := day.AddDate(0, 0, -1).Format("2006-01-02")

	subs, err := a.store.ListAllSubscriptions(ctx)
	if err != nil {
		return err
	}

	reported := 0
	for _, sub := range subs {
		snap, err := a.store.GetSnapshot(ctx, sub.ID, reportDate)
		if err != nil {
			return err
		}
		if snap == nil {
			continue
		}

		a.notifier.Notify(ctx, &core.Notification{
			UserID:   sub.UserID,
			Type:     "info",
			Category: "report",
			Title:    fmt.Sprintf("Daily report %s", reportDate),
			Message: fmt.Sprintf("P&L %s USD (%d wins, %d losses), cumulative %s USD",
				snap.DailyPnlUSD.StringFixed(2), snap.DailyWins, snap.DailyLosses,
				snap.CumulativePnlUSD.StringFixed(2)),
			Metadata: map[string]string{"subscription_id": sub.ID, "date": reportDate},
		})
		reported++
	}

	a.logger.Info("daily report sent", "date", reportDate, "subscriptions", reported)
	return nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	return port, nil
}
