// Package scheduler drives the periodic background work: account syncs,
// the SL/TP monitor cycle, the daily maintenance window and the daily
// report hook.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"signal_relay/internal/config"
	"signal_relay/internal/core"
	"signal_relay/internal/execution"
)

// CycleRunner is the monitor's entry point as the scheduler sees it.
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Sweeper expires stale entries from a process-local cache.
type Sweeper interface {
	Sweep() int
}

// MaintenanceTask runs once inside the daily maintenance window. Failures
// are logged and ignored; the window always completes.
type MaintenanceTask struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler owns the single background tick loop. The last-sync map and
// the maintenance/report dates have one writer, the loop goroutine.
type Scheduler struct {
	store     core.IStore
	exchanges execution.ExchangeProvider
	monitor   CycleRunner
	tracker   core.ITradeTracker
	logger    core.ILogger

	tick        time.Duration
	syncDefault time.Duration
	syncTight   time.Duration
	reportHour  int

	lastSync            map[string]time.Time
	lastMaintenanceDate string
	lastReportDate      string

	maintenanceTasks []MaintenanceTask
	reportFunc       func(ctx context.Context, date string) error
	sweepers         []Sweeper

	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates the background scheduler
func NewScheduler(store core.IStore, exchanges execution.ExchangeProvider, mon CycleRunner, tracker core.ITradeTracker, cfg config.EngineConfig, logger core.ILogger) *Scheduler {
	s := &Scheduler{
		store:       store,
		exchanges:   exchanges,
		monitor:     mon,
		tracker:     tracker,
		logger:      logger.WithField("component", "scheduler"),
		tick:        time.Duration(cfg.MonitorTickSec) * time.Second,
		syncDefault: time.Duration(cfg.SyncIntervalDefaultSec) * time.Second,
		syncTight:   time.Duration(cfg.SyncIntervalVenueTightSec) * time.Second,
		reportHour:  cfg.DailyReportHourUTC,
		lastSync:    make(map[string]time.Time),
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	// The process just started; the first maintenance window opens on the
	// first tick after the next UTC midnight
	s.lastMaintenanceDate = s.now().UTC().Format("2006-01-02")
	return s
}

// OnMaintenance registers a task for the daily maintenance window.
func (s *Scheduler) OnMaintenance(name string, fn func(ctx context.Context) error) {
	s.maintenanceTasks = append(s.maintenanceTasks, MaintenanceTask{Name: name, Run: fn})
}

// OnDailyReport registers the report generator invoked once per day at
// the configured UTC hour.
func (s *Scheduler) OnDailyReport(fn func(ctx context.Context, date string) error) {
	s.reportFunc = fn
}

// AddSweeper registers a cache to expire on every tick.
func (s *Scheduler) AddSweeper(sw Sweeper) {
	s.sweepers = append(s.sweepers, sw)
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.tick.String())
	go s.loop(ctx)
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick executes one scheduler pass.
func (s *Scheduler) RunTick(ctx context.Context) {
	s.syncAccounts(ctx)

	if err := s.monitor.RunCycle(ctx); err != nil {
		s.logger.Error("monitor cycle failed", "error", err)
	}

	s.runMaintenance(ctx)
	s.runDailyReport(ctx)

	for _, sw := range s.sweepers {
		sw.Sweep()
	}
}

// syncBudget returns the minimum interval between syncs for a venue.
// okx rate limits account endpoints tighter than the others.
func (s *Scheduler) syncBudget(venue core.Venue) time.Duration {
	if venue == core.VenueOKX {
		return s.syncTight
	}
	return s.syncDefault
}

func (s *Scheduler) syncAccounts(ctx context.Context) {
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to list accounts for sync", "error", err)
		return
	}

	for _, account := range accounts {
		elapsed := s.now().Sub(s.lastSync[account.ID])
		if elapsed < s.syncBudget(account.Venue) {
			continue
		}
		if err := s.syncAccount(ctx, account); err != nil {
			s.logger.Error("account sync failed",
				"account_id", account.ID, "venue", account.Venue, "error", err)
			continue
		}
		s.lastSync[account.ID] = s.now()
	}
}

// syncAccount records the account's balance and reconciles open trades
// against the venue's live positions.
func (s *Scheduler) syncAccount(ctx context.Context, account *core.ExchangeAccount) error {
	ex, err := s.exchanges.ForAccount(account)
	if err != nil {
		return err
	}

	balance, err := ex.GetBalance(ctx, "USDT")
	if err != nil {
		return err
	}
	if err := s.store.UpdateAccountSync(ctx, account.ID, balance, s.now().UTC()); err != nil {
		return err
	}

	positions, err := ex.GetPositions(ctx, "")
	if err != nil {
		return err
	}
	openSymbols := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !p.Size.IsZero() {
			openSymbols[strings.ToUpper(p.Symbol)] = true
		}
	}

	swept, err := s.tracker.GhostSweep(ctx, account, openSymbols)
	if err != nil {
		return err
	}
	if swept > 0 {
		s.logger.Info("ghost sweep during account sync",
			"account_id", account.ID, "swept", swept)
	}
	return nil
}

// runMaintenance opens the daily maintenance window when the UTC date has
// rolled over: finalize yesterday's snapshots, run the registered tasks,
// then reset the daily loss counters.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	today := s.now().UTC().Format("2006-01-02")
	if today == s.lastMaintenanceDate {
		return
	}

	s.logger.Info("daily maintenance window opened", "date", today)

	snaps, err := s.store.ListUnfinalizedSnapshots(ctx, today)
	if err != nil {
		s.logger.Error("failed to list unfinalized snapshots", "error", err)
	} else {
		for _, snap := range snaps {
			if err := s.store.FinalizeSnapshot(ctx, snap.SubscriptionID, snap.SnapshotDate); err != nil {
				s.logger.Error("failed to finalize snapshot",
					"subscription_id", snap.SubscriptionID, "date", snap.SnapshotDate, "error", err)
			}
		}
		s.logger.Info("snapshots finalized", "count", len(snaps))
	}

	for _, task := range s.maintenanceTasks {
		if err := task.Run(ctx); err != nil {
			s.logger.Warn("maintenance task failed", "task", task.Name, "error", err)
		}
	}

	if err := s.store.ResetDailyLoss(ctx); err != nil {
		s.logger.Error("failed to reset daily loss counters", "error", err)
		return
	}

	s.lastMaintenanceDate = today
}

func (s *Scheduler) runDailyReport(ctx context.Context) {
	if s.reportFunc == nil {
		return
	}

	now := s.now().UTC()
	today := now.Format("2006-01-02")
	if now.Hour() != s.reportHour || today == s.lastReportDate {
		return
	}

	// Recorded before the call so a failing generator does not retry
	// every tick for the rest of the hour
	s.lastReportDate = today
	if err := s.reportFunc(ctx, today); err != nil {
		s.logger.Warn("daily report failed", "date", today, "error", err)
	}
}
