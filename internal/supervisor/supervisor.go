// Package supervisor owns the worker's lifecycle: ordered startup,
// the subscription dispatch loop, periodic maintenance, and graceful
// shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/cache"
	"github.com/parsely-labs/docalert-fanout/internal/config"
	"github.com/parsely-labs/docalert-fanout/internal/database"
	"github.com/parsely-labs/docalert-fanout/internal/envelope"
	"github.com/parsely-labs/docalert-fanout/internal/messaging"
	"github.com/parsely-labs/docalert-fanout/internal/monitoring"
	"github.com/parsely-labs/docalert-fanout/internal/notification"
	"github.com/parsely-labs/docalert-fanout/internal/processor"
	"github.com/parsely-labs/docalert-fanout/internal/processor/boe"
	"github.com/parsely-labs/docalert-fanout/internal/processor/realestate"
	"github.com/parsely-labs/docalert-fanout/internal/status"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// taskDeadline bounds one message's end-to-end processing.
const taskDeadline = 60 * time.Second

// dlqAlertThresholds for the periodic DLQ growth check.
const (
	dlqWarningThreshold  = 10
	dlqCriticalThreshold = 50
)

// Supervisor wires the worker's components and runs them to completion.
type Supervisor struct {
	cfg      *config.Config
	db       *database.Gateway
	gateway  *messaging.Gateway
	registry *processor.Registry
	tracker  *status.Tracker
	metrics  *monitoring.PipelineMetrics
	health   *monitoring.Server
	dedupe   *cache.DedupeGuard
	cron     *cron.Cron

	dispatch *dispatcher

	inflight     sync.WaitGroup
	lastDLQCount uint64
}

// New performs the ordered construction sequence: database gateway,
// messaging gateway, dedupe guard, notification service, processors,
// registry, validator, dispatcher, health server. The database is not
// contacted yet; Run does the connection test.
func New(ctx context.Context, cfg *config.Config) (*Supervisor, error) {
	tracker := status.NewTracker()
	metrics := monitoring.NewPipelineMetrics()

	db := database.New(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})

	gateway, err := messaging.New(ctx, messaging.Config{
		ProjectID:           cfg.ProjectID,
		SubscriptionName:    cfg.SubscriptionName,
		DLQTopic:            cfg.DLQTopic,
		EmailImmediateTopic: cfg.EmailImmediateTopic,
		EmailDailyTopic:     cfg.EmailDailyTopic,
		RealtimeTopic:       cfg.RealtimeTopic,
		MaxOutstanding:      cfg.MaxOutstandingMsgs,
	}, func(err error) {
		tracker.ReportSubscription(false, err)
	})
	if err != nil {
		tracker.ReportPubSub(false, err)
		return nil, err
	}
	tracker.ReportPubSub(true, nil)

	// The dedupe guard is a fast path; a missing Redis degrades to
	// database-only dedupe rather than failing startup.
	var dedupe *cache.DedupeGuard
	if cfg.RedisURL != "" {
		dedupe, err = cache.NewDedupeGuard(ctx, cfg.RedisURL)
		if err != nil {
			telemetry.GetContextualLogger(ctx).WithError(err).
				Warn("dedupe cache unavailable, falling back to database-only dedupe")
			dedupe = nil
		}
	}

	repo := notification.NewPostgresRepository(db)
	service := notification.NewService(repo, gateway, dedupeOrNil(dedupe), notification.Config{
		DedupeWindow: time.Duration(cfg.DedupeWindowMinutes) * time.Minute,
	})

	registry := processor.NewRegistry()
	if err := registry.Register(boe.New(service)); err != nil {
		return nil, err
	}
	if err := registry.Register(realestate.New(service)); err != nil {
		return nil, err
	}

	validator := envelope.NewValidator(registry.Has)

	s := &Supervisor{
		cfg:      cfg,
		db:       db,
		gateway:  gateway,
		registry: registry,
		tracker:  tracker,
		metrics:  metrics,
		dedupe:   dedupe,
		cron:     cron.New(),
	}
	s.dispatch = &dispatcher{
		validator: validator,
		registry:  registry,
		dlq:       gateway,
		tracker:   tracker,
		metrics:   metrics,
		deadline:  taskDeadline,
	}
	s.health = monitoring.NewServer(tracker, db.Stats, registry.Types, metrics)

	return s, nil
}

// dedupeOrNil keeps the service's nil-check on the interface honest: a
// nil *DedupeGuard inside a non-nil interface would defeat it.
func dedupeOrNil(guard *cache.DedupeGuard) notification.Deduper {
	if guard == nil {
		return nil
	}
	return guard
}

// Run executes the startup sequence, serves until ctx is cancelled, then
// drains and shuts down in order.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := telemetry.GetContextualLogger(ctx)
	logger.WithFields(logrus.Fields{
		"subscription": s.cfg.SubscriptionName,
		"concurrency":  s.cfg.MaxOutstandingMsgs,
	}).Info("starting notification fanout worker")

	s.testDatabase(ctx)
	s.health.Start(":" + s.cfg.HealthPort)
	s.startMaintenance()

	// Derive the subscription's own context so shutdown can stop new
	// deliveries before the rest of the teardown.
	subCtx, stopSubscription := context.WithCancel(ctx)
	defer stopSubscription()

	s.gateway.Subscribe(subCtx, func(ctx context.Context, msg *messaging.Message) messaging.Disposition {
		s.inflight.Add(1)
		defer s.inflight.Done()
		return s.dispatch.handle(ctx, msg)
	})
	s.tracker.ReportSubscription(true, nil)
	logger.Info("subscription attached, worker running")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	s.cron.Stop()
	stopSubscription()
	s.drainInflight()

	if err := s.gateway.Close(); err != nil {
		logger.WithError(err).Warn("messaging gateway close failed")
	}
	if s.dedupe != nil {
		if err := s.dedupe.Close(); err != nil {
			logger.WithError(err).Warn("dedupe guard close failed")
		}
	}
	if err := s.db.Close(); err != nil {
		logger.WithError(err).Warn("database close failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.health.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("health server shutdown failed")
	}

	logger.Info("worker stopped")
	return nil
}

// testDatabase runs the startup connection test: one retry after 5
// seconds, continuing in degraded mode either way.
func (s *Supervisor) testDatabase(ctx context.Context) {
	logger := telemetry.GetContextualLogger(ctx)

	err := s.db.Health(ctx)
	if err != nil {
		logger.WithError(err).Warn("database connection test failed, retrying in 5s")
		select {
		case <-ctx.Done():
			s.tracker.ReportDB(false, err)
			return
		case <-time.After(5 * time.Second):
		}
		err = s.db.Health(ctx)
	}

	if err != nil {
		logger.WithError(err).Error("database unavailable at startup, continuing degraded")
		s.tracker.ReportDB(false, err)
		return
	}
	s.tracker.ReportDB(true, nil)
	logger.Info("database connection test passed")
}

// drainInflight waits for in-flight handlers up to the configured grace
// period, then gives up and lets the broker redeliver the remainder.
func (s *Supervisor) drainInflight() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		telemetry.GetGlobalLogger().Warn("drain grace period expired, abandoning in-flight handlers")
	}
}

// startMaintenance registers the periodic jobs: DLQ growth check every
// five minutes and a stale-notification audit hourly. Both are
// read-only; the worker never deletes notifications.
func (s *Supervisor) startMaintenance() {
	_, _ = s.cron.AddFunc("*/5 * * * *", s.checkDLQHealth)
	_, _ = s.cron.AddFunc("0 * * * *", s.auditStaleNotifications)
	s.cron.Start()
}

// checkDLQHealth alerts when DLQ growth since the previous check crosses
// the warning/critical thresholds.
func (s *Supervisor) checkDLQHealth() {
	current, delta := s.metrics.DLQDelta(s.lastDLQCount)
	s.lastDLQCount = current
	if delta == 0 {
		return
	}

	logger := telemetry.GetGlobalLogger().WithContext(context.Background())
	logger.WithFields(logrus.Fields{
		"dlq_total": current,
		"dlq_delta": delta,
	}).Warn("messages routed to DLQ since last check")

	var level sentry.Level
	switch {
	case delta >= dlqCriticalThreshold:
		level = sentry.LevelError
	case delta >= dlqWarningThreshold:
		level = sentry.LevelWarning
	default:
		return
	}

	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "fanout-worker")
	scope.SetTag("alert_type", "dlq_threshold")
	scope.SetLevel(level)
	scope.SetExtra("dlq_delta", delta)
	scope.SetExtra("dlq_total", current)
	hub.CaptureMessage(fmt.Sprintf("DLQ growth threshold exceeded: %d messages in 5 minutes", delta))
}

// auditStaleNotifications counts unread notifications older than 30 days
// and reports; cleanup is a human decision, the worker only observes.
func (s *Supervisor) auditStaleNotifications() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx,
		`SELECT COUNT(*) FROM notifications WHERE status = 'unread' AND created_at < NOW() - INTERVAL '30 days'`)
	if err != nil {
		telemetry.GetContextualLogger(ctx).WithError(err).Warn("stale notification audit failed")
		return
	}
	defer func() { _ = rows.Close() }()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return
		}
	}
	if count > 0 {
		telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
			"stale_unread": count,
		}).Info("unread notifications older than 30 days")
	}
}
