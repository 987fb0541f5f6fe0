package notification

import (
	"fmt"

	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	"github.com/affretia/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Notification drivers
const (
	DriverLog     = "log"
	DriverWebhook = "webhook"
)

// NewDispatcher builds the dispatcher selected by cfg.Driver
func NewDispatcher(cfg config.NotificationConfig, logger *zap.Logger) (appsourcing.Dispatcher, error) {
	switch cfg.Driver {
	case "", DriverLog:
		return NewLogDispatcher(logger), nil
	case DriverWebhook:
		d, err := NewWebhookDispatcher(WebhookConfig{
			URL:            cfg.WebhookURL,
			Secret:         cfg.WebhookSecret,
			Timeout:        cfg.Timeout,
			RatePerSecond:  cfg.RatePerSecond,
			Burst:          cfg.Burst,
			MaxAttempts:    cfg.MaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("notification: unknown driver %q", cfg.Driver)
	}
}
