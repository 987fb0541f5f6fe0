package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestWebhook(t *testing.T, url string, cfg WebhookConfig) *WebhookDispatcher {
	t.Helper()
	cfg.URL = url
	d, err := NewWebhookDispatcher(cfg, zap.NewNop())
	require.NoError(t, err)
	d.sleep = noSleep
	return d
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	report, err := d.Dispatch(context.Background(), testOpportunity(sourcing.ChannelEmail, sourcing.ChannelSMS))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, logs.FilterMessage("Opportunity notice").Len())
}

func TestLogDispatcher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewLogDispatcher(zap.NewNop()).Dispatch(ctx, testOpportunity(sourcing.ChannelEmail))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Sent)
}

func TestWebhookDispatcher_SignsAndSends(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(HeaderMessageID))
		assert.True(t, Verify("s3cret", r.Header.Get(HeaderTimestamp), body, r.Header.Get(HeaderSignature)))

		var m Message
		require.NoError(t, json.Unmarshal(body, &m))
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestWebhook(t, srv.URL, WebhookConfig{Secret: "s3cret", MaxAttempts: 3})
	report, err := d.Dispatch(context.Background(), testOpportunity(sourcing.ChannelEmail))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, report.Failed)
	require.Len(t, received, 2)
	assert.Equal(t, "ORD-42", received[0].OrderID)
	assert.Equal(t, sourcing.ChannelEmail, received[0].Channel)
}

func TestWebhookDispatcher_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opp := testOpportunity(sourcing.ChannelPush)
	opp.Recipients = opp.Recipients[:1]

	var delays []time.Duration
	d := newTestWebhook(t, srv.URL, WebhookConfig{MaxAttempts: 3, RetryBaseDelay: 100 * time.Millisecond})
	d.sleep = func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}

	report, err := d.Dispatch(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestWebhookDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown carrier", http.StatusBadRequest)
	}))
	defer srv.Close()

	opp := testOpportunity(sourcing.ChannelPush)
	opp.Recipients = opp.Recipients[:1]

	d := newTestWebhook(t, srv.URL, WebhookConfig{MaxAttempts: 5})
	report, err := d.Dispatch(context.Background(), opp)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, report.Sent)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "HTTP 400")
	assert.Contains(t, report.Errors[0], "unknown carrier")
}

func TestWebhookDispatcher_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	opp := testOpportunity(sourcing.ChannelPush)
	opp.Recipients = opp.Recipients[:1]

	d := newTestWebhook(t, srv.URL, WebhookConfig{MaxAttempts: 2})
	report, err := d.Dispatch(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, report.Failed)
}

func TestWebhookDispatcher_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestWebhook(t, srv.URL, WebhookConfig{})
	_, err := d.Dispatch(ctx, testOpportunity(sourcing.ChannelEmail))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookDispatcher_UnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(HeaderSignature))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opp := testOpportunity(sourcing.ChannelPush)
	report, err := newTestWebhook(t, srv.URL, WebhookConfig{}).Dispatch(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"order_id":"ORD-1"}`)
	sig := Sign("secret", "1700000000", body)

	assert.Len(t, sig, 64)
	assert.True(t, Verify("secret", "1700000000", body, sig))
	assert.False(t, Verify("secret", "1700000001", body, sig))
	assert.False(t, Verify("other", "1700000000", body, sig))
}

func TestNewDispatcher(t *testing.T) {
	d, err := NewDispatcher(config.NotificationConfig{Driver: DriverLog}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LogDispatcher{}, d)

	d, err = NewDispatcher(config.NotificationConfig{Driver: DriverWebhook, WebhookURL: "http://gateway.local/notify"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &WebhookDispatcher{}, d)

	_, err = NewDispatcher(config.NotificationConfig{Driver: DriverWebhook}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewDispatcher(config.NotificationConfig{Driver: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, err)
}
