// Package orchestrator drives live calls: it owns the in-memory session
// registry, feeds telephony events through the session state machine and
// executes the resulting intents against the stores and the dispatcher.
package orchestrator

import (
	"context"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// Feature flag names consulted by the orchestrator.
const (
	FlagRemedial   = "recommend.remedial"
	FlagCheckpoint = "session.checkpoint"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// CheckpointStore keeps call sessions between events so that a restarted
// process can resume or gracefully close them.
type CheckpointStore interface {
	Save(ctx context.Context, sess session.CallSession, ttl time.Duration) error

	// Load returns shared.ErrCheckpointMissing when nothing is stored.
	Load(ctx context.Context, callID shared.CallID) (session.CallSession, error)

	Delete(ctx context.Context, callID shared.CallID) error
	List(ctx context.Context) ([]session.CallSession, error)
}

// Flags reports whether a feature is on for a student.
type Flags interface {
	IsEnabled(name, studentID string) bool
}

type allFlags struct{}

func (allFlags) IsEnabled(string, string) bool { return true }

// Observer receives call-flow measurements. See infrastructure/metrics.
type Observer interface {
	EventHandled(event, state string, latency time.Duration)
	SessionOpened()
	SessionClosed(outcome string)
	Diagnostic(code string)
	ProgressWrite(result string)
}

// Progress write results reported to Observer.
const (
	WriteOK      = "ok"
	WriteSkipped = "skipped"
	WriteFailed  = "failed"
)

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) EventHandled(string, string, time.Duration) {}
func (NopObserver) SessionOpened()                             {}
func (NopObserver) SessionClosed(string)                       {}
func (NopObserver) Diagnostic(string)                          {}
func (NopObserver) ProgressWrite(string)                       {}
