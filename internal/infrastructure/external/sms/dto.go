package sms

// ══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT
// Africa's Talking bulk SMS: POST /version1/messaging, form encoded request,
// JSON response.
// ══════════════════════════════════════════════════════════════════════════════

// SendResponseDTO is the body returned for a send request.
type SendResponseDTO struct {
	SMSMessageData MessageDataDTO `json:"SMSMessageData"`
}

// MessageDataDTO summarizes a batch.
type MessageDataDTO struct {
	Message    string         `json:"Message"`
	Recipients []RecipientDTO `json:"Recipients"`
}

// RecipientDTO is the per-number outcome.
type RecipientDTO struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

// Recipient status codes.
const (
	StatusProcessed             = 100
	StatusSent                  = 101
	StatusQueued                = 102
	StatusRiskHold              = 401
	StatusInvalidSenderID       = 402
	StatusInvalidPhoneNumber    = 403
	StatusUnsupportedNumberType = 404
	StatusInsufficientBalance   = 405
	StatusUserInBlacklist       = 406
	StatusCouldNotRoute         = 407
	StatusDoNotDisturbRejection = 409
	StatusInternalServerError   = 500
	StatusGatewayError          = 501
	StatusRejectedByGateway     = 502
)

// accepted reports whether the gateway took the message.
func (r RecipientDTO) accepted() bool {
	return r.StatusCode >= StatusProcessed && r.StatusCode <= StatusQueued
}

// retryable reports whether the rejection may clear up on its own.
func (r RecipientDTO) retryable() bool {
	switch r.StatusCode {
	case StatusCouldNotRoute, StatusInternalServerError, StatusGatewayError:
		return true
	default:
		return false
	}
}
