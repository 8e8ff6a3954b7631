package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/application/command"
	"github.com/ivr-tutor/ivr-tutor/internal/application/orchestrator"
	"github.com/ivr-tutor/ivr-tutor/internal/application/query"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/interface/http/handlers"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth is the liveness probe. It never touches the stores.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status":  "ok",
		"uptime":  s.deps.Health.Uptime().Round(time.Second).String(),
		"version": s.config.Version,
	}
	if s.deps.Events != nil {
		data["active_calls"] = s.deps.Events.ActiveCalls()
	}
	writeJSON(w, r, http.StatusOK, data)
}

// handleReady is the readiness probe: every registered store check must pass.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	if !status.Ready {
		writeRaw(w, http.StatusServiceUnavailable, JSONResponse{
			Success:   false,
			Data:      status,
			Error:     &APIError{Code: "not_ready", Message: status.Message},
			RequestID: getRequestID(r.Context()),
		})
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROVIDER WEBHOOKS
// ══════════════════════════════════════════════════════════════════════════════

// handleVoiceEvent handles POST /api/voice/events. The body of a successful
// reply is the bare response descriptor the telephony provider plays.
func (s *Server) handleVoiceEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Voice events are not configured")
		return
	}

	ev, err := handlers.DecodeVoiceEvent(r)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := s.deps.Events.HandleEvent(r.Context(), orchestrator.InboundEvent{
		CallID: ev.CallID,
		Phone:  ev.StudentPhone,
		Type:   ev.EventType,
		Digit:  ev.Digit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// DeliveryReportResponse is returned to the SMS provider.
type DeliveryReportResponse struct {
	SMSLogID string `json:"sms_log_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Applied  bool   `json:"applied"`
}

// handleDeliveryReport handles POST /api/sms/delivery. Reports for unknown
// messages are acknowledged so the provider stops retrying them.
func (s *Server) handleDeliveryReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.RecordDelivery == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Delivery reports are not configured")
		return
	}

	report, err := handlers.DecodeDeliveryReport(r)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.deps.RecordDelivery.Handle(r.Context(), command.RecordDeliveryReportCommand{
		ProviderID:    report.ID,
		Status:        report.Status,
		FailureReason: report.FailureReason,
	})
	switch {
	case errors.Is(err, shared.ErrSMSLogNotFound):
		logger.FromContext(r.Context()).Warn("delivery report for unknown message",
			slog.String("provider_id", report.ID),
		)
		writeJSON(w, r, http.StatusOK, DeliveryReportResponse{Applied: false})
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, r, http.StatusOK, DeliveryReportResponse{
			SMSLogID: res.SMSLogID,
			Status:   string(res.Status),
			Applied:  res.Applied,
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATOR API
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProgress handles GET /api/students/{phone}/progress?attempts=N
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetProgress == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Progress query is not configured")
		return
	}

	result, err := s.deps.GetProgress.Handle(r.Context(), query.GetStudentProgressQuery{
		Phone:         r.PathValue("phone"),
		AttemptsLimit: queryInt(r, "attempts", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ResetProgressRequest is the body of the reset endpoint.
type ResetProgressRequest struct {
	Reason string `json:"reason"`
}

// handleResetProgress handles POST /api/students/{phone}/progress/{subject}/reset
func (s *Server) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.ResetProgress == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Reset is not configured")
		return
	}

	var req ResetProgressRequest
	if r.ContentLength != 0 {
		if err := handlers.DecodeJSON(r, &req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	res, err := s.deps.ResetProgress.Handle(r.Context(), command.ResetProgressCommand{
		Phone:   r.PathValue("phone"),
		Subject: r.PathValue("subject"),
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"student_id": res.StudentID,
		"subject":    res.Subject,
		"version":    res.Version,
	})
}

// SetLanguageRequest is the body of the language endpoint.
type SetLanguageRequest struct {
	Language string `json:"language"`
}

// handleSetLanguage handles PUT /api/students/{phone}/language
func (s *Server) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	if s.deps.SetLanguage == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Language change is not configured")
		return
	}

	var req SetLanguageRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.deps.SetLanguage.Handle(r.Context(), command.SetLanguageCommand{
		Phone:    r.PathValue("phone"),
		Language: req.Language,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"student_id": res.StudentID,
		"language":   res.Language,
		"effective":  res.Effective,
	})
}

// EnrollRequest is the body of the enrollment endpoint.
type EnrollRequest struct {
	Subject  string `json:"subject"`
	Priority int    `json:"priority"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// handleEnroll handles POST /api/students/{phone}/enrollments. Unknown
// phones are registered first.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enroll == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Enrollment is not configured")
		return
	}

	var req EnrollRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.deps.Enroll.Handle(r.Context(), command.EnrollCommand{
		Phone:    r.PathValue("phone"),
		Subject:  req.Subject,
		Priority: req.Priority,
		Name:     req.Name,
		Language: req.Language,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, map[string]any{
		"student_id":    res.StudentID,
		"created":       res.Created,
		"menu_subjects": res.MenuSubjects,
	})
}

// handleAnonymize handles POST /api/students/{phone}/anonymize
func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anonymize == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Anonymization is not configured")
		return
	}

	res, err := s.deps.Anonymize.Handle(r.Context(), command.AnonymizeStudentCommand{
		Phone: r.PathValue("phone"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"student_id": res.StudentID,
		"token":      res.Token,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// writeError maps domain errors to HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		logger.FromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			logger.Err(err),
		)
		writeJSONError(w, r, status, code, "An unexpected error occurred")
		return
	}
	writeJSONError(w, r, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsAlreadyExists(err), shared.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case shared.IsExternalService(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
