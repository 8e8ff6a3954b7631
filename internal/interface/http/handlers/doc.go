// Package handlers contains the building blocks of the HTTP interface that
// do not depend on the application layer:
//
//   - request decoding for the voice and SMS provider webhooks
//   - readiness checks run in parallel with per-check timeouts
//   - middleware: shared-secret check, per-IP rate limit, body limit
//
// # Voice webhook
//
// The telephony provider posts every call event as JSON or form fields:
//
//	{"call_id": "CA123", "student_phone": "+254712345678", "event_type": "digit", "digit": "2"}
//
// and plays the returned response descriptor.
//
// # Readiness
//
//	checker := handlers.NewHealthChecker(version)
//	checker.AddCheck("postgres", handlers.PingCheck(db))
//	checker.AddCheck("redis", handlers.PingCheck(cache))
//
//	status := checker.Check(ctx)
package handlers
