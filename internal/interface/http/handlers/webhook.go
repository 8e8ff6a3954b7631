package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// ══════════════════════════════════════════════════════════════════════════════
// VOICE WEBHOOK
// ══════════════════════════════════════════════════════════════════════════════

// VoiceEvent is one callback of the telephony provider.
type VoiceEvent struct {
	CallID       string `json:"call_id"`
	StudentPhone string `json:"student_phone"`
	EventType    string `json:"event_type"`
	Digit        string `json:"digit,omitempty"`
}

// Validate checks the fields every event must carry. Event type and phone
// format are checked by the orchestrator.
func (e VoiceEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.CallID) == "" {
		missing = append(missing, "call_id")
	}
	if strings.TrimSpace(e.StudentPhone) == "" {
		missing = append(missing, "student_phone")
	}
	if strings.TrimSpace(e.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DecodeVoiceEvent reads a JSON or form-encoded voice event.
func DecodeVoiceEvent(r *http.Request) (VoiceEvent, error) {
	var e VoiceEvent
	if isForm(r) {
		if err := parseForm(r); err != nil {
			return e, fmt.Errorf("parse form: %w", err)
		}
		e = VoiceEvent{
			CallID:       r.PostForm.Get("call_id"),
			StudentPhone: r.PostForm.Get("student_phone"),
			EventType:    r.PostForm.Get("event_type"),
			Digit:        r.PostForm.Get("digit"),
		}
	} else if err := decodeJSON(r, &e); err != nil {
		return e, err
	}
	return e, e.Validate()
}

// ══════════════════════════════════════════════════════════════════════════════
// SMS DELIVERY REPORTS
// ══════════════════════════════════════════════════════════════════════════════

// DeliveryReport is a provider delivery callback. Africa's Talking posts
// it as a form with id, status and failureReason.
type DeliveryReport struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
}

// DecodeDeliveryReport reads a JSON or form-encoded delivery report.
func DecodeDeliveryReport(r *http.Request) (DeliveryReport, error) {
	var d DeliveryReport
	if isForm(r) {
		if err := parseForm(r); err != nil {
			return d, fmt.Errorf("parse form: %w", err)
		}
		d = DeliveryReport{
			ID:            r.PostForm.Get("id"),
			Status:        r.PostForm.Get("status"),
			FailureReason: r.PostForm.Get("failureReason"),
			PhoneNumber:   r.PostForm.Get("phoneNumber"),
		}
	} else if err := decodeJSON(r, &d); err != nil {
		return d, err
	}
	if strings.TrimSpace(d.ID) == "" {
		return d, errors.New("missing fields: id")
	}
	if strings.TrimSpace(d.Status) == "" {
		return d, errors.New("missing fields: status")
	}
	return d, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Decoding helpers
// ─────────────────────────────────────────────────────────────────────────────

func parseForm(r *http.Request) error {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		return r.ParseMultipartForm(1 << 20)
	}
	return r.ParseForm()
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data"
}

// DecodeJSON decodes the body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	return decodeJSON(r, dst)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
