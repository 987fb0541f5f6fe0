package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrMeterNil is returned when metrics are built without a meter
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// ActivityProvider reports the current sourcing workload for the periodic gauges
type ActivityProvider interface {
	CountActiveSessions(ctx context.Context) (int64, error)
	CountPendingAlerts(ctx context.Context) (int64, error)
}

// SourcingMetricsConfig configures SourcingMetrics
type SourcingMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // default 1 minute
	Activity        ActivityProvider
	// DroppedEvents reports events the async notifier discarded
	DroppedEvents func() int64
}

// SourcingMetrics records orchestrator activity as OpenTelemetry metrics.
type SourcingMetrics struct {
	logger *zap.Logger

	sessionsTriggered  *Counter
	sessionsEnded      *Counter
	complianceRejected *Counter
	selections         *Counter
	dispatchMessages   *Counter
	proposalScore      *Histogram
	activeSessions     *Gauge
	pendingAlerts      *Gauge

	activity        ActivityProvider
	collectInterval time.Duration
	registration    metric.Registration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSourcingMetrics creates the instruments on cfg.Meter
func NewSourcingMetrics(cfg SourcingMetricsConfig) (*SourcingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = time.Minute
	}

	m := &SourcingMetrics{
		logger:          logger,
		activity:        cfg.Activity,
		collectInterval: interval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	var err error
	if m.sessionsTriggered, err = NewCounter(cfg.Meter, "affretia_sessions_triggered_total",
		"Sourcing sessions opened", "{sessions}"); err != nil {
		return nil, err
	}
	if m.sessionsEnded, err = NewCounter(cfg.Meter, "affretia_sessions_ended_total",
		"Sourcing sessions reaching a terminal status", "{sessions}"); err != nil {
		return nil, err
	}
	if m.complianceRejected, err = NewCounter(cfg.Meter, "affretia_compliance_rejections_total",
		"Carriers excluded by the compliance gate", "{carriers}"); err != nil {
		return nil, err
	}
	if m.selections, err = NewCounter(cfg.Meter, "affretia_selections_total",
		"Selection runs by outcome", "{selections}"); err != nil {
		return nil, err
	}
	if m.dispatchMessages, err = NewCounter(cfg.Meter, "affretia_dispatch_messages_total",
		"Broadcast messages handed to carrier channels", "{messages}"); err != nil {
		return nil, err
	}
	if m.proposalScore, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "affretia_proposal_score",
		Description: "Overall score of carrier proposals",
		Unit:        "{points}",
		Boundaries:  ScoreBuckets,
	}); err != nil {
		return nil, err
	}
	if m.activeSessions, err = NewGauge(cfg.Meter, "affretia_active_sessions",
		"Sourcing sessions not yet in a terminal status", "{sessions}"); err != nil {
		return nil, err
	}
	if m.pendingAlerts, err = NewGauge(cfg.Meter, "affretia_vigilance_pending_alerts",
		"Carriers with unacknowledged compliance alerts", "{carriers}"); err != nil {
		return nil, err
	}

	if cfg.DroppedEvents != nil {
		dropped, err := cfg.Meter.Int64ObservableCounter("affretia_events_dropped_total",
			metric.WithDescription("Events discarded by the asynchronous notifier"),
			metric.WithUnit("{events}"))
		if err != nil {
			return nil, err
		}
		reg, err := cfg.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(dropped, cfg.DroppedEvents())
			return nil
		}, dropped)
		if err != nil {
			return nil, err
		}
		m.registration = reg
	}

	return m, nil
}

// SessionTriggered counts an opened session
func (m *SourcingMetrics) SessionTriggered(ctx context.Context, trigger string) {
	m.sessionsTriggered.Inc(ctx, AttrTriggerType.String(trigger))
}

// ProposalScored records the score of a new or revised proposal
func (m *SourcingMetrics) ProposalScored(ctx context.Context, score int) {
	m.proposalScore.Record(ctx, float64(score))
}

// ComplianceRejected counts a carrier excluded at the given stage
func (m *SourcingMetrics) ComplianceRejected(ctx context.Context, stage string) {
	m.complianceRejected.Inc(ctx, AttrStage.String(stage))
}

// SelectionCompleted counts a selection run
func (m *SourcingMetrics) SelectionCompleted(ctx context.Context, outcome string) {
	m.selections.Inc(ctx, AttrOutcome.String(outcome))
}

// SessionEnded counts a session reaching a terminal status
func (m *SourcingMetrics) SessionEnded(ctx context.Context, status string) {
	m.sessionsEnded.Inc(ctx, AttrSessionStatus.String(status))
}

// DispatchCompleted counts the messages of one broadcast dispatch
func (m *SourcingMetrics) DispatchCompleted(ctx context.Context, sent, failed int) {
	m.dispatchMessages.Add(ctx, int64(sent), AttrResult.String("sent"))
	m.dispatchMessages.Add(ctx, int64(failed), AttrResult.String("failed"))
}

// Start launches the periodic gauge collection. Without an activity
// provider it does nothing.
func (m *SourcingMetrics) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if m.activity == nil {
			close(m.done)
			return
		}
		go m.collectLoop(ctx)
	})
}

// Stop ends the periodic collection and releases the observable callback
func (m *SourcingMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.startOnce.Do(func() { close(m.done) })
		<-m.done
		if m.registration != nil {
			if err := m.registration.Unregister(); err != nil {
				m.logger.Warn("Failed to unregister metrics callback", zap.Error(err))
			}
		}
	})
}

func (m *SourcingMetrics) collectLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.collectInterval)
	defer ticker.Stop()

	m.Collect(ctx)
	for {
		select {
		case <-ticker.C:
			m.Collect(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Collect samples the activity gauges once
func (m *SourcingMetrics) Collect(ctx context.Context) {
	if m.activity == nil {
		return
	}
	if n, err := m.activity.CountActiveSessions(ctx); err != nil {
		m.logger.Warn("Failed to count active sessions", zap.Error(err))
	} else {
		m.activeSessions.Record(ctx, n)
	}
	if n, err := m.activity.CountPendingAlerts(ctx); err != nil {
		m.logger.Warn("Failed to count pending alerts", zap.Error(err))
	} else {
		m.pendingAlerts.Record(ctx, n)
	}
}
