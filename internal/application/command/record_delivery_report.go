package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD DELIVERY REPORT COMMAND
// Applies the operator's delivery callback to the SMS log.
// ══════════════════════════════════════════════════════════════════════════════

// RecordDeliveryReportCommand carries one provider callback.
type RecordDeliveryReportCommand struct {
	ProviderID    string
	Status        string
	FailureReason string
	At            time.Time
}

// RecordDeliveryReportResult reports the resulting log status.
type RecordDeliveryReportResult struct {
	SMSLogID string
	Status   notification.SMSStatus

	// Applied is false for duplicates and intermediate statuses.
	Applied bool
}

// RecordDeliveryReportHandler handles RecordDeliveryReportCommand.
type RecordDeliveryReportHandler struct {
	logs   notification.LogRepository
	logger *slog.Logger
	clock  func() time.Time
}

// NewRecordDeliveryReportHandler creates a new handler.
func NewRecordDeliveryReportHandler(logs notification.LogRepository, l *slog.Logger) *RecordDeliveryReportHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RecordDeliveryReportHandler{logs: logs, logger: l, clock: func() time.Time { return time.Now().UTC() }}
}

// Handle executes the command. Unknown provider IDs return ErrSMSLogNotFound.
func (h *RecordDeliveryReportHandler) Handle(ctx context.Context, cmd RecordDeliveryReportCommand) (*RecordDeliveryReportResult, error) {
	if cmd.ProviderID == "" {
		return nil, shared.WrapError("notification", "DeliveryReport", shared.ErrValidation,
			"provider id is required", errors.New("record_delivery_report: provider id is required"))
	}

	l, err := h.logs.GetByProviderID(ctx, cmd.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("record_delivery_report: %w", err)
	}

	at := cmd.At
	if at.IsZero() {
		at = h.clock()
	}
	applied := l.ApplyReport(notification.DeliveryReport{
		ProviderID:    cmd.ProviderID,
		Status:        notification.ParseProviderStatus(cmd.Status),
		FailureReason: cmd.FailureReason,
		At:            at,
	})
	if applied {
		if err := h.logs.Save(ctx, l); err != nil {
			return nil, fmt.Errorf("record_delivery_report: save: %w", err)
		}
	}

	h.logger.Debug("delivery report received",
		slog.String("provider_id", cmd.ProviderID),
		slog.String("provider_status", cmd.Status),
		slog.String("status", string(l.Status)),
		slog.Bool("applied", applied),
		logger.StudentID(l.StudentID.String()),
	)
	return &RecordDeliveryReportResult{SMSLogID: l.ID, Status: l.Status, Applied: applied}, nil
}
