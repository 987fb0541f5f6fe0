package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/affretia/backend/internal/application/vigilance"
	"go.uber.org/zap"
)

// RecheckRunner re-verifies carriers whose next compliance check is due
type RecheckRunner interface {
	RunDueChecks(ctx context.Context, limit int) (vigilance.RecheckResult, error)
}

// RecheckSchedulerConfig holds configuration for the vigilance re-check scheduler
type RecheckSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is the pause between two re-check runs
	Interval time.Duration

	// BatchSize is the number of carriers re-checked per batch
	BatchSize int

	// MaxBatches bounds the batches of one run. A run keeps pulling batches
	// while they come back full.
	MaxBatches int

	// Timeout is the maximum time for one run
	Timeout time.Duration
}

// DefaultRecheckSchedulerConfig returns default configuration
func DefaultRecheckSchedulerConfig() RecheckSchedulerConfig {
	return RecheckSchedulerConfig{
		Enabled:    true,
		Interval:   time.Hour,
		BatchSize:  100,
		MaxBatches: 10,
		Timeout:    5 * time.Minute,
	}
}

// RunSummary aggregates the batches of one re-check run
type RunSummary struct {
	StartedAt time.Time
	Duration  time.Duration
	Batches   int
	Checked   int
	Failed    int
	Changed   int
	Err       error
}

// RecheckScheduler periodically re-verifies carrier compliance records so
// that expiring documents raise alerts before a sourcing session needs them.
type RecheckScheduler struct {
	runner RecheckRunner
	logger *zap.Logger
	config RecheckSchedulerConfig

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	running   sync.Mutex // held for the duration of one run
	last      *RunSummary
}

// NewRecheckScheduler creates a new re-check scheduler
func NewRecheckScheduler(runner RecheckRunner, logger *zap.Logger, config RecheckSchedulerConfig) (*RecheckScheduler, error) {
	if runner == nil {
		return nil, ErrInvalidConfig
	}
	if config.Enabled && (config.Interval <= 0 || config.BatchSize <= 0) {
		return nil, ErrInvalidConfig
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRecheckSchedulerConfig().Timeout
	}
	return &RecheckScheduler{
		runner: runner,
		logger: logger,
		config: config,
	}, nil
}

// Start starts the re-check loop. The first run happens after one interval.
func (s *RecheckScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Vigilance re-check scheduler is disabled")
		return nil
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx)

	s.logger.Info("Vigilance re-check scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("max_batches", s.config.MaxBatches),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight run, bounded by ctx
func (s *RecheckScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Vigilance re-check scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Vigilance re-check scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *RecheckScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Re-check loop stopping")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

// TriggerImmediate runs a re-check in the background
func (s *RecheckScheduler) TriggerImmediate(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate vigilance re-check")
	go func() {
		defer s.wg.Done()
		s.execute(ctx)
	}()
	return nil
}

// RunOnce runs a re-check synchronously, whether or not the loop is started.
// Runs never overlap: a call made while another run is in flight returns
// ErrRunInProgress.
func (s *RecheckScheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	if !s.running.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	summary := s.run(ctx)
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
	return summary, summary.Err
}

func (s *RecheckScheduler) execute(ctx context.Context) {
	if _, err := s.RunOnce(ctx); errors.Is(err, ErrRunInProgress) {
		s.logger.Debug("Skipping re-check, previous run still in progress")
	}
}

func (s *RecheckScheduler) run(ctx context.Context) RunSummary {
	summary := RunSummary{StartedAt: time.Now()}

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	for summary.Batches < s.config.MaxBatches {
		result, err := s.runner.RunDueChecks(runCtx, s.config.BatchSize)
		summary.Batches++
		summary.Checked += result.Checked
		summary.Failed += result.Failed
		summary.Changed += result.Changed
		if err != nil {
			summary.Err = err
			break
		}
		// a short batch means the due queue is drained; a batch made only of
		// failures would be picked again right away
		if result.Checked < s.config.BatchSize || result.Failed == result.Checked {
			break
		}
	}
	summary.Duration = time.Since(summary.StartedAt)

	fields := []zap.Field{
		zap.Duration("duration", summary.Duration),
		zap.Int("batches", summary.Batches),
		zap.Int("checked", summary.Checked),
		zap.Int("failed", summary.Failed),
		zap.Int("changed", summary.Changed),
	}
	if summary.Err != nil {
		s.logger.Error("Vigilance re-check failed", append(fields, zap.Error(summary.Err))...)
	} else {
		s.logger.Info("Vigilance re-check completed", fields...)
	}
	return summary
}

// LastRun returns the summary of the latest completed run
func (s *RecheckScheduler) LastRun() (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RunSummary{}, false
	}
	return *s.last, true
}

// IsRunning returns whether the scheduler loop is running
func (s *RecheckScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
