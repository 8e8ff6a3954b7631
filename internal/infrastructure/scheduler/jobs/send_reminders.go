// Package jobs contains the scheduled jobs of IVR Tutor.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SEND REMINDERS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SendRemindersJob sends an SMS reminder to students who have not called for
// a while. A student is reminded at most once per cooldown and only inside
// the local reminder window.
//
// The reminder is recorded on the student before the intent is enqueued, so
// a failed save never produces a second SMS on the next run.
type SendRemindersJob struct {
	students student.Repository
	cache    student.Cache
	catalog  catalog.Catalog
	notifier notification.Enqueuer
	config   RemindersConfig
	logger   *slog.Logger
	now      func() time.Time
}

// RemindersConfig contains configuration for the reminder job.
type RemindersConfig struct {
	// InactiveAfter is how long since the last call before a reminder.
	InactiveAfter time.Duration

	// Cooldown is the minimum gap between two reminders to one student.
	Cooldown time.Duration

	// Window limits sending to local daytime hours.
	Window timeutil.QuietHours

	// BatchSize caps the reminders sent per run.
	BatchSize int

	// Hotline is the number read out in the message.
	Hotline string
}

// DefaultRemindersConfig returns the production defaults.
func DefaultRemindersConfig(loc *time.Location) RemindersConfig {
	return RemindersConfig{
		InactiveAfter: 72 * time.Hour,
		Cooldown:      72 * time.Hour,
		Window:        timeutil.DefaultQuietHours(loc),
		BatchSize:     200,
	}
}

// RemindersDeps are the collaborators of the job. Cache is optional.
type RemindersDeps struct {
	Students student.Repository
	Cache    student.Cache
	Catalog  catalog.Catalog
	Notifier notification.Enqueuer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// RemindersStats summarizes one run.
type RemindersStats struct {
	Candidates int
	Sent       int
	Skipped    int
	Failed     int
}

// NewSendRemindersJob creates the job.
func NewSendRemindersJob(cfg RemindersConfig, deps RemindersDeps) *SendRemindersJob {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Window.Loc == nil {
		cfg.Window.Loc = time.UTC
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &SendRemindersJob{
		students: deps.Students,
		cache:    deps.Cache,
		catalog:  deps.Catalog,
		notifier: deps.Notifier,
		config:   cfg,
		logger:   deps.Logger.With(logger.Component("job.send_reminders")),
		now:      deps.Clock,
	}
}

// Name returns the job name.
func (j *SendRemindersJob) Name() string { return "send_reminders" }

// Description returns the job description.
func (j *SendRemindersJob) Description() string {
	return "Sends SMS reminders to students who stopped calling"
}

// Run implements scheduler.Job.
func (j *SendRemindersJob) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce performs one pass and returns its statistics.
func (j *SendRemindersJob) RunOnce(ctx context.Context) (RemindersStats, error) {
	var stats RemindersStats
	now := j.now()

	if !j.config.Window.Allows(now) {
		j.logger.Debug("outside reminder window",
			slog.Time("next_window", j.config.Window.NextAllowed(now)),
		)
		return stats, nil
	}

	candidates, err := j.students.FindInactive(ctx,
		now.Add(-j.config.InactiveAfter),
		now.Add(-j.config.Cooldown),
		j.config.BatchSize,
	)
	if err != nil {
		return stats, fmt.Errorf("find inactive students: %w", err)
	}
	stats.Candidates = len(candidates)

	for _, st := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !st.NeedsReminder(now, j.config.InactiveAfter, j.config.Cooldown) {
			stats.Skipped++
			continue
		}
		subject, ok := j.subjectName(st)
		if !ok {
			stats.Skipped++
			continue
		}

		st.RecordReminder(now)
		if err := j.students.Update(ctx, st); err != nil {
			stats.Failed++
			j.logger.Warn("failed to record reminder",
				logger.StudentID(st.ID.String()),
				logger.Err(err),
			)
			continue
		}
		if j.cache != nil {
			_ = j.cache.Invalidate(ctx, st.Phone)
		}

		j.notifier.EnqueueIntent(notification.NewIntent(
			notification.KindReminder, st.ID, st.Phone, st.Language,
			map[string]string{
				"hotline": j.config.Hotline,
				"subject": subject,
			},
		))
		stats.Sent++
	}

	j.logger.Info("reminders processed",
		slog.Int("candidates", stats.Candidates),
		slog.Int("sent", stats.Sent),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}

// subjectName names the student's top enrolled subject, or the first
// catalog subject in their language when they have no enrollments.
func (j *SendRemindersJob) subjectName(st *student.Student) (string, bool) {
	if menu := st.MenuSubjects(); len(menu) > 0 {
		if subj, ok := j.catalog.Subject(menu[0], st.Language); ok {
			return subj.Name, true
		}
		return menu[0], true
	}
	if all := j.catalog.Subjects(st.Language); len(all) > 0 {
		return all[0].Name, true
	}
	return "", false
}
