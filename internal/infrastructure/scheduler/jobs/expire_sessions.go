package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// SessionExpirer closes idle calls. Implemented by orchestrator.Orchestrator.
type SessionExpirer interface {
	ExpireIdle(ctx context.Context, now time.Time) int
}

// ExpireSessionsJob closes calls whose telephony provider went silent, so
// their partial progress is written and their summary SMS goes out.
type ExpireSessionsJob struct {
	expirer SessionExpirer
	logger  *slog.Logger
	now     func() time.Time
}

// NewExpireSessionsJob creates the job. A nil clock means time.Now.
func NewExpireSessionsJob(expirer SessionExpirer, log *slog.Logger, clock func() time.Time) *ExpireSessionsJob {
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = time.Now
	}
	return &ExpireSessionsJob{
		expirer: expirer,
		logger:  log.With(logger.Component("job.expire_sessions")),
		now:     clock,
	}
}

func (j *ExpireSessionsJob) Name() string { return "expire_sessions" }

func (j *ExpireSessionsJob) Description() string {
	return "Closes call sessions idle longer than the idle timeout"
}

// Run implements scheduler.Job.
func (j *ExpireSessionsJob) Run(ctx context.Context) error {
	if n := j.expirer.ExpireIdle(ctx, j.now()); n > 0 {
		j.logger.Info("idle sessions expired", slog.Int("count", n))
	}
	return nil
}
