// Package main - точка входа для фонового процесса (Worker) IVR Tutor.
//
// Worker выполняет периодические задачи без приёма звонков:
// - Напоминания неактивным студентам (SMS)
// - Отправка очереди SMS через диспетчер
//
// Используется, когда webhook-серверы запущены с `ivrtutor serve --no-scheduler`,
// чтобы напоминания отправлял ровно один процесс. Зависшие звонки закрывает
// сам serve: реестр активных звонков есть только у него.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivr-tutor/ivr-tutor/config"
	"github.com/ivr-tutor/ivr-tutor/internal/app"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.ForEnvironment(string(cfg.App.Environment), cfg.Observability.LogLevel, cfg.App.Name+"-worker", cfg.App.Version)
	slog.SetDefault(log)

	if !cfg.Reminder.Enabled {
		log.Warn("REMINDER_ENABLED=false, the worker only drains the SMS queue")
	}
	log.Info("starting worker",
		slog.String("env", string(cfg.App.Environment)),
		slog.String("storage", cfg.Storage.Driver),
		slog.Duration("reminder_interval", cfg.Reminder.Interval),
		slog.String("timezone", cfg.App.Timezone),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. СБОРКА КОМПОНЕНТОВ
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close stores", logger.Err(err))
		}
	}()

	for _, j := range a.Scheduler.ListJobs() {
		log.Info("job scheduled",
			slog.String("job", j.Name),
			slog.String("schedule", j.Schedule),
			slog.Time("next_run", j.NextRun),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ЗАПУСК ДО СИГНАЛА ЗАВЕРШЕНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	if err := a.Run(ctx, app.RunOptions{Scheduler: true}); err != nil {
		return err
	}
	log.Info("worker stopped")
	return nil
}
