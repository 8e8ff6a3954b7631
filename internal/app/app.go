// Package app wires IVR Tutor together from configuration: storage driver,
// optional Redis, content catalog, SMS dispatcher, call orchestrator, command
// and query handlers, scheduler jobs and the HTTP server. Both binaries in
// cmd/ build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ivr-tutor/ivr-tutor/config"
	"github.com/ivr-tutor/ivr-tutor/internal/application/command"
	"github.com/ivr-tutor/ivr-tutor/internal/application/orchestrator"
	"github.com/ivr-tutor/ivr-tutor/internal/application/query"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/recommendation"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/content"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/external/sms"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/messaging"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/metrics"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/memory"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/postgres"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/redis"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/sqlite"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/scheduler"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/ivr-tutor/ivr-tutor/internal/interface/http"
	"github.com/ivr-tutor/ivr-tutor/internal/interface/http/handlers"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORES
// ══════════════════════════════════════════════════════════════════════════════

// Stores is the persistence selected by STORAGE_DRIVER plus optional Redis.
type Stores struct {
	Driver      string
	Students    student.Repository
	Progress    progress.Store
	SMSLogs     notification.LogRepository
	Cache       student.Cache
	Checkpoints orchestrator.CheckpointStore

	// Pingers are registered as readiness checks, by name.
	Pingers map[string]handlers.Pinger

	closers []func() error
}

// Close releases every connection, newest first.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStores connects the configured storage driver and, when enabled, Redis.
// Postgres migrations run here when DATABASE_AUTO_MIGRATE is set.
func OpenStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Stores, error) {
	s := &Stores{Driver: cfg.Storage.Driver, Pingers: make(map[string]handlers.Pinger)}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		conn, err := ConnectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { conn.Close(); return nil })
		s.Pingers["postgres"] = conn

		if cfg.Database.AutoMigrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied", slog.Int("count", applied))
		}
		s.Students = postgres.NewStudentRepository(conn)
		s.Progress = postgres.NewProgressStore(conn)
		s.SMSLogs = postgres.NewSMSLogRepository(conn)

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.Pingers["sqlite"] = db
		s.Students = db.Students()
		s.Progress = db.Progress()
		s.SMSLogs = db.SMSLogs()

	default:
		log.Warn("using in-memory storage, data is lost on restart")
		s.Students = memory.NewStudentRepository()
		s.Progress = memory.NewProgressStore()
		s.SMSLogs = memory.NewSMSLogRepository()
	}

	if cfg.Redis.Enabled {
		rc := redis.DefaultConfig()
		rc.Host = cfg.Redis.Host
		rc.Port = cfg.Redis.Port
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.PoolSize = cfg.Redis.PoolSize
		rc.DialTimeout = cfg.Redis.DialTimeout
		rc.ReadTimeout = cfg.Redis.ReadTimeout
		rc.WriteTimeout = cfg.Redis.WriteTimeout

		cache, err := redis.NewCache(rc)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, cache.Close)
		s.Pingers["redis"] = cache
		s.Cache = redis.NewStudentCache(cache, cfg.Redis.StudentCacheTTL)
		s.Checkpoints = redis.NewCheckpointStore(cache)
		log.Info("redis connected", slog.String("addr", rc.Addr()))
	} else {
		s.Cache = memory.NewStudentCache(cfg.Redis.StudentCacheTTL)
		s.Checkpoints = memory.NewCheckpointStore()
	}
	return s, nil
}

// ConnectPostgres opens the pool described by DATABASE_*.
func ConnectPostgres(ctx context.Context, cfg *config.Config) (*postgres.Connection, error) {
	pc := postgres.DefaultConfig(cfg.Database.URL)
	pc.MaxConns = cfg.Database.MaxConns
	pc.MinConns = cfg.Database.MinConns
	pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pc.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pc.QueryTimeout = cfg.Database.QueryTimeout

	conn, err := postgres.NewConnection(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return conn, nil
}

// LoadCatalog reads CATALOG_PATH.
func LoadCatalog(cfg *config.Config) (*catalog.Snapshot, error) {
	return content.LoadFile(cfg.Catalog.Path, content.WithDefaultLanguage(cfg.Catalog.DefaultLanguage))
}

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION
// ══════════════════════════════════════════════════════════════════════════════

// App holds the wired components of one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Stores  *Stores
	Catalog *catalog.Snapshot
	Metrics *metrics.Metrics

	Dispatcher   *messaging.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Reminders    *jobs.SendRemindersJob
	Expiry       *jobs.ExpireSessionsJob
	Server       *httpapi.Server
}

// New builds every component. Nothing is started.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	snap, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	stats := snap.Stats()
	log.Info("catalog loaded",
		slog.String("version", snap.Version()),
		slog.Int("units", stats.Units),
		slog.Int("subjects", stats.Subjects),
		slog.Int("languages", stats.Languages),
	)

	stores, err := OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: log, Stores: stores, Catalog: snap}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = metrics.New()
	}

	a.Dispatcher = a.newDispatcher()
	a.Orchestrator = a.newOrchestrator()
	a.Expiry = jobs.NewExpireSessionsJob(a.Orchestrator, a.Logger, nil)
	a.Scheduler, a.Reminders, err = a.newScheduler()
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	a.Server = a.newServer()
	return a, nil
}

func (a *App) newDispatcher() *messaging.Dispatcher {
	cfg := a.Config

	var gateway notification.Gateway
	if cfg.SMS.DryRun || cfg.SMS.APIKey == "" {
		gateway = sms.NewLogGateway(a.Logger)
	} else {
		cc := sms.DefaultClientConfig(cfg.SMS.BaseURL)
		cc.Username = cfg.SMS.Username
		cc.APIKey = cfg.SMS.APIKey
		cc.SenderID = cfg.SMS.SenderID
		cc.Timeout = cfg.SMS.Timeout
		cc.RequestsPerSecond = cfg.SMS.RateLimit
		cc.Burst = cfg.SMS.Burst
		cc.Logger = a.Logger
		gateway = sms.NewClient(cc)
	}

	dc := messaging.DefaultDispatcherConfig()
	dc.QueueSize = cfg.Notify.QueueSize
	dc.Workers = cfg.Notify.Workers
	dc.RetryConfig.MaxAttempts = cfg.Notify.MaxAttempts
	dc.RetryConfig.InitialBackoff = cfg.Notify.InitialBackoff
	dc.RetryConfig.MaxBackoff = cfg.Notify.MaxBackoff
	dc.SendTimeout = cfg.Notify.SendTimeout
	dc.DeadLetterQueueSize = cfg.Notify.DLQCapacity
	dc.Logger = a.Logger

	opts := []messaging.Option{messaging.WithFlags(cfg.Features)}
	if a.Metrics != nil {
		opts = append(opts, messaging.WithObserver(a.Metrics))
	}
	return messaging.NewDispatcher(dc, gateway, a.Stores.SMSLogs, notification.DefaultTemplates(), opts...)
}

func (a *App) newOrchestrator() *orchestrator.Orchestrator {
	cfg := a.Config

	oc := orchestrator.DefaultConfig()
	oc.Limits = session.Limits{
		MaxMenuRetries:     cfg.Session.MaxMenuRetries,
		QuizMaxAttempts:    cfg.Session.QuizMaxAttempts,
		MaxUnitsPerSession: cfg.Session.MaxUnitsPerSession,
		MenuTimeout:        cfg.Session.MenuTimeout,
		AnswerTimeout:      cfg.Session.AnswerTimeout,
	}
	oc.Scoring = progress.ScoringRules{
		Full:      cfg.Scoring.Full,
		Partial:   cfg.Scoring.Partial,
		Exhausted: cfg.Scoring.Exhausted,
	}
	oc.Policy = recommendation.Policy{
		RecentWindow:         cfg.Recommend.RecentWindow,
		ProficiencyThreshold: float64(cfg.Recommend.ProficiencyThreshold),
		RemedialEnabled:      cfg.Recommend.RemedialEnabled,
	}
	oc.Location = cfg.App.Location()
	oc.DefaultCountryCode = cfg.App.DefaultCountryCode
	oc.IdleTimeout = cfg.Session.IdleTimeout
	oc.EventTimeout = cfg.Session.EventTimeout
	oc.Writer.MaxAttempts = cfg.Progress.WriteAttempts
	oc.Writer.InitialBackoff = cfg.Progress.WriteInitialBackoff
	oc.Writer.MaxBackoff = cfg.Progress.WriteMaxBackoff
	oc.Writer.WriteTimeout = cfg.Progress.WriteTimeout

	deps := orchestrator.Deps{
		Catalog:     a.Catalog,
		Students:    a.Stores.Students,
		Cache:       a.Stores.Cache,
		Progress:    a.Stores.Progress,
		Checkpoints: a.Stores.Checkpoints,
		Notifier:    a.Dispatcher,
		Flags:       cfg.Features,
		Logger:      a.Logger,
	}
	if a.Metrics != nil {
		deps.Observer = a.Metrics
	}
	return orchestrator.New(oc, deps)
}

func (a *App) newScheduler() (*scheduler.Scheduler, *jobs.SendRemindersJob, error) {
	cfg := a.Config

	sc := scheduler.Config{Logger: a.Logger, Timezone: cfg.App.Location()}
	if a.Metrics != nil {
		sc.Observer = a.Metrics
	}
	s := scheduler.New(sc)

	reminders := jobs.NewSendRemindersJob(jobs.RemindersConfig{
		InactiveAfter: cfg.Reminder.InactiveAfter,
		Cooldown:      cfg.Reminder.Cooldown,
		Window:        cfg.ReminderWindow(),
		BatchSize:     cfg.Reminder.BatchSize,
		Hotline:       cfg.Reminder.Hotline,
	}, jobs.RemindersDeps{
		Students: a.Stores.Students,
		Cache:    a.Stores.Cache,
		Catalog:  a.Catalog,
		Notifier: a.Dispatcher,
		Logger:   a.Logger,
	})
	if cfg.Reminder.Enabled {
		if err := s.Register(reminders, scheduler.Every(cfg.Reminder.Interval)); err != nil {
			return nil, nil, err
		}
	}
	return s, reminders, nil
}

// Students returns the shared student lookup used by the command handlers.
func (a *App) Students() command.Students {
	return command.Students{
		Repo:               a.Stores.Students,
		Cache:              a.Stores.Cache,
		DefaultCountryCode: a.Config.App.DefaultCountryCode,
		Logger:             a.Logger,
	}
}

// ProgressQuery returns the read-side progress handler.
func (a *App) ProgressQuery() *query.GetStudentProgressHandler {
	return query.NewGetStudentProgressHandler(
		a.Stores.Students, a.Stores.Progress, a.Catalog,
		a.Config.Recommend.RecentWindow, a.Config.App.DefaultCountryCode,
	)
}

func (a *App) newServer() *httpapi.Server {
	cfg := a.Config
	students := a.Students()

	health := handlers.NewHealthChecker(cfg.App.Version)
	for name, p := range a.Stores.Pingers {
		health.AddCheck(name, handlers.PingCheck(p))
	}

	deps := httpapi.Dependencies{
		Events:         a.Orchestrator,
		RecordDelivery: command.NewRecordDeliveryReportHandler(a.Stores.SMSLogs, a.Logger),
		ResetProgress:  command.NewResetProgressHandler(students, a.Stores.Progress, a.Catalog),
		SetLanguage:    command.NewSetLanguageHandler(students, a.Catalog),
		Enroll:         command.NewEnrollHandler(students, a.Catalog, uuid.NewString),
		Anonymize:      command.NewAnonymizeStudentHandler(students, []byte(cfg.App.AnonymizationKey)),
		GetProgress:    a.ProgressQuery(),
		Health:         health,
		Logger:         a.Logger,
	}
	if a.Metrics != nil {
		deps.Metrics = a.Metrics
		deps.MetricsHandler = a.Metrics.Handler()
	}

	return httpapi.NewServer(httpapi.Config{
		Host:            cfg.HTTP.Host,
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		RateLimitPerSec: cfg.HTTP.RateLimitPerSec,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		WebhookSecret:   cfg.HTTP.WebhookSecret,
		AdminToken:      cfg.HTTP.AdminToken,
		Version:         cfg.App.Version,
	}, deps)
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// RunOptions selects what Run starts. HTTP also starts idle-call expiry,
// since live calls exist only in the process serving the webhooks.
type RunOptions struct {
	HTTP      bool
	Scheduler bool
}

// Run starts the selected components and blocks until ctx is cancelled or
// one of them fails, then shuts everything down within the configured
// timeout.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	log := a.Logger

	a.Dispatcher.Start()

	if opts.HTTP {
		res, err := a.Orchestrator.RecoverCheckpoints(ctx)
		if err != nil {
			log.Warn("checkpoint recovery failed", logger.Err(err))
		} else if res.Resumed+res.Closed+res.Dropped > 0 {
			log.Info("checkpoints recovered",
				slog.Int("resumed", res.Resumed),
				slog.Int("closed", res.Closed),
				slog.Int("dropped", res.Dropped),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.HTTP {
		g.Go(func() error {
			return a.Server.Run(gctx, a.Config.App.ShutdownTimeout)
		})
		g.Go(func() error {
			return a.expireIdle(gctx)
		})
	}
	if opts.Scheduler {
		g.Go(func() error {
			return a.Scheduler.Run(gctx)
		})
	}
	runErr := g.Wait()

	log.Info("shutting down", slog.Duration("timeout", a.Config.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.App.ShutdownTimeout)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := a.Orchestrator.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := a.Dispatcher.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	return errors.Join(errs...)
}

// expireIdle closes idle calls every SESSION_EXPIRY_INTERVAL until ctx ends.
func (a *App) expireIdle(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Session.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Expiry.Run(ctx); err != nil {
				a.Logger.Warn("idle expiry failed", logger.Err(err))
			}
		}
	}
}

// Close releases the stores.
func (a *App) Close() error {
	return a.Stores.Close()
}

// StopDispatcher drains the SMS queue. Used by one-shot commands that
// enqueue without calling Run.
func (a *App) StopDispatcher(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Dispatcher.Stop(ctx)
}
