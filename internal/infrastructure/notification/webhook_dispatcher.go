package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Webhook request headers
const (
	HeaderSignature = "X-Affretia-Signature"
	HeaderTimestamp = "X-Affretia-Timestamp"
	HeaderMessageID = "X-Affretia-Message-Id"
)

// maxErrorBody bounds the response body kept in an error
const maxErrorBody = 512

// WebhookConfig configures a WebhookDispatcher
type WebhookConfig struct {
	URL string
	// Secret signs each body with HMAC-SHA256; empty disables signing
	Secret         string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// WebhookDispatcher posts each message as JSON to a gateway that fans out to
// the email, SMS and push providers. Requests are rate limited and retried
// with exponential backoff on network errors, 429 and 5xx responses.
type WebhookDispatcher struct {
	config     WebhookConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewWebhookDispatcher creates a WebhookDispatcher
func NewWebhookDispatcher(cfg WebhookConfig, logger *zap.Logger) (*WebhookDispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("notification: webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &WebhookDispatcher{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
		sleep:   sleepContext,
		now:     time.Now,
	}, nil
}

// Dispatch sends every message of the opportunity. Individual delivery
// failures are counted in the report; only a cancelled context aborts the
// dispatch with an error.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, opp appsourcing.Opportunity) (appsourcing.DispatchReport, error) {
	msgs, skipped := BuildMessages(opp)
	report := appsourcing.DispatchReport{Failed: len(skipped), Errors: skipped}

	for _, m := range msgs {
		if err := d.limiter.Wait(ctx); err != nil {
			return report, err
		}
		err := d.deliver(ctx, m)
		if err == nil {
			report.Sent++
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s to %s: %v", m.Channel, m.CarrierID, err))
		d.logger.Warn("Opportunity delivery failed",
			zap.String("session_id", m.SessionID.String()),
			zap.String("channel", string(m.Channel)),
			zap.String("carrier_id", m.CarrierID),
			zap.Error(err))
	}
	return report, nil
}

// deliver posts one message, retrying transient failures
func (d *WebhookDispatcher) deliver(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		retryable, err := d.post(ctx, m.ID.String(), body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == d.config.MaxAttempts {
			break
		}
		delay := d.config.RetryBaseDelay << (attempt - 1)
		d.logger.Debug("Retrying opportunity delivery",
			zap.String("message_id", m.ID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// post sends one request. The boolean reports whether a failure is transient.
func (d *WebhookDispatcher) post(ctx context.Context, messageID string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, messageID)
	if d.config.Secret != "" {
		ts := strconv.FormatInt(d.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(d.config.Secret, ts, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retryable, err
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret. The
// receiving gateway recomputes it to authenticate the request.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
