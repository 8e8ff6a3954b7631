// Package sms implements the SMS gateway client (Africa's Talking compatible).
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/pkg/circuitbreaker"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
	"github.com/ivr-tutor/ivr-tutor/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the SMS gateway client.
type ClientConfig struct {
	// BaseURL is the gateway API base URL
	BaseURL string

	// Username is the gateway account name
	Username string

	// APIKey authenticates the account
	APIKey string

	// SenderID is the short code or alphanumeric sender, optional
	SenderID string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle outgoing requests
	RequestsPerSecond float64
	Burst             int

	// OnBreakerChange is called when the circuit breaker changes state
	OnBreakerChange func(name string, from, to circuitbreaker.State)

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Username:          "sandbox",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client implements notification.Gateway.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker

	// set after a 429 so every worker backs off together
	pauseMu    sync.Mutex
	pauseUntil time.Time
}

// NewClient creates a new gateway client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger.With(logger.Component("sms_gateway")),
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		breaker: circuitbreaker.SMSGatewayBreaker(config.OnBreakerChange,
			// a rejected number says nothing about the gateway's health
			circuitbreaker.WithIsFailure(func(err error) bool { return !retry.IsPermanent(err) }),
		),
	}
}

// Breaker exposes the circuit breaker state for health checks.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Send submits one message. Errors wrapped with retry.Permanent will not
// succeed on retry; everything else may.
func (c *Client) Send(ctx context.Context, req notification.SendRequest) (notification.SendResult, error) {
	if err := c.waitPause(ctx); err != nil {
		return notification.SendResult{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return notification.SendResult{}, shared.ErrRateLimited
	}

	res, err := circuitbreaker.Call(ctx, c.breaker, func(ctx context.Context) (notification.SendResult, error) {
		return c.send(ctx, req)
	})
	if circuitbreaker.IsRejection(err) {
		return res, shared.ErrGatewayUnavailable.With(err)
	}
	return res, err
}

func (c *Client) send(ctx context.Context, req notification.SendRequest) (notification.SendResult, error) {
	form := url.Values{}
	form.Set("username", c.config.Username)
	form.Set("to", req.To)
	form.Set("message", req.Message)
	if c.config.SenderID != "" {
		form.Set("from", c.config.SenderID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+"/version1/messaging",
		strings.NewReader(form.Encode()))
	if err != nil {
		return notification.SendResult{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("apiKey", c.config.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return notification.SendResult{}, shared.ErrGatewayUnavailable.With(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return notification.SendResult{}, shared.ErrGatewayUnavailable.With(fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug("sms gateway response",
		slog.Int("status", resp.StatusCode),
		logger.Phone(req.To),
		logger.Latency(time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.pause(retryAfter(resp.Header.Get("Retry-After")))
		return notification.SendResult{}, shared.ErrRateLimited
	case resp.StatusCode >= 500:
		return notification.SendResult{}, shared.ErrGatewayUnavailable.With(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return notification.SendResult{}, retry.Permanent(
			shared.ErrGatewayRejected.With(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
	}

	var dto SendResponseDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return notification.SendResult{}, shared.ErrGatewayUnavailable.With(fmt.Errorf("unmarshal response: %w", err))
	}
	if len(dto.SMSMessageData.Recipients) == 0 {
		return notification.SendResult{}, retry.Permanent(
			shared.ErrGatewayRejected.With(errors.New(dto.SMSMessageData.Message)))
	}

	r := dto.SMSMessageData.Recipients[0]
	if !r.accepted() {
		err := shared.ErrGatewayRejected.With(fmt.Errorf("recipient status %d %s", r.StatusCode, r.Status))
		if r.retryable() {
			return notification.SendResult{}, err
		}
		return notification.SendResult{}, retry.Permanent(err)
	}

	return notification.SendResult{ProviderID: r.MessageID, Status: r.Status, Cost: r.Cost}, nil
}

func (c *Client) pause(d time.Duration) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if until := time.Now().Add(d); until.After(c.pauseUntil) {
		c.pauseUntil = until
	}
	c.logger.Warn("sms gateway rate limit hit", slog.Duration("pause", d))
}

func (c *Client) waitPause(ctx context.Context) error {
	c.pauseMu.Lock()
	wait := time.Until(c.pauseUntil)
	c.pauseMu.Unlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return shared.ErrRateLimited
	case <-timer.C:
		return nil
	}
}

func retryAfter(h string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 30 * time.Second
}

// ══════════════════════════════════════════════════════════════════════════════
// DRY RUN
// ══════════════════════════════════════════════════════════════════════════════

// LogGateway logs messages instead of sending them (SMS_DRY_RUN=true).
type LogGateway struct {
	logger *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewLogGateway creates a dry-run gateway.
func NewLogGateway(l *slog.Logger) *LogGateway {
	if l == nil {
		l = slog.Default()
	}
	return &LogGateway{logger: l.With(logger.Component("sms_dry_run"))}
}

// Send logs the message and reports it as sent.
func (g *LogGateway) Send(_ context.Context, req notification.SendRequest) (notification.SendResult, error) {
	g.mu.Lock()
	g.seq++
	id := "dryrun-" + strconv.Itoa(g.seq)
	g.mu.Unlock()

	g.logger.Info("sms not sent (dry run)",
		logger.Phone(req.To),
		slog.String("provider_id", id),
		slog.Int("length", len(req.Message)),
	)
	return notification.SendResult{ProviderID: id, Status: "Sent", Cost: "0"}, nil
}
