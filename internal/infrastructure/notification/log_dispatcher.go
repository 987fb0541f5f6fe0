package notification

import (
	"context"

	appsourcing "github.com/affretia/backend/internal/application/sourcing"
	"go.uber.org/zap"
)

// LogDispatcher writes every message to the log instead of sending it. It
// is the default driver for local runs.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the opportunity messages
func (d *LogDispatcher) Dispatch(ctx context.Context, opp appsourcing.Opportunity) (appsourcing.DispatchReport, error) {
	msgs, skipped := BuildMessages(opp)
	report := appsourcing.DispatchReport{Failed: len(skipped), Errors: skipped}
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d.logger.Info("Opportunity notice",
			zap.String("session_id", m.SessionID.String()),
			zap.String("channel", string(m.Channel)),
			zap.String("carrier_id", m.CarrierID),
			zap.String("to", m.To),
			zap.String("subject", m.Subject))
		report.Sent++
	}
	return report, nil
}
