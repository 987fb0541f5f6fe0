package vigilance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/affretia/backend/internal/infrastructure/lock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CarrierChecks is a fresh verification result supplied by a CheckSource
type CarrierChecks struct {
	CarrierName string
	Checks      vigilance.Checks
}

// CheckSource fetches the current verification checks of a carrier from the
// external verification providers
type CheckSource interface {
	FetchChecks(ctx context.Context, carrierID string) (*CarrierChecks, error)
}

// Service handles carrier compliance records.
//
// Writes for one carrier are serialized and fully recomputed before the new
// snapshot replaces the cached one, so readers only ever see a complete record.
type Service struct {
	repo      vigilance.RecordRepository
	source    CheckSource
	publisher shared.EventPublisher
	logger    *zap.Logger
	now       func() time.Time

	locks   *lock.KeyedMutex
	refresh singleflight.Group

	mu        sync.RWMutex
	snapshots map[string]*vigilance.VigilanceRecord
}

// Option configures a Service
type Option func(*Service)

// WithCheckSource sets the verification provider used to refresh records
func WithCheckSource(source CheckSource) Option {
	return func(s *Service) { s.source = source }
}

// WithEventPublisher sets the publisher receiving status change events
func WithEventPublisher(publisher shared.EventPublisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new vigilance Service
func NewService(repo vigilance.RecordRepository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: shared.NoopPublisher{},
		logger:    logger,
		now:       time.Now,
		locks:     lock.NewKeyedMutex(),
		snapshots: make(map[string]*vigilance.VigilanceRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckCompliance returns the current record of a carrier. The record is
// refreshed when it is due for a re-check, unknown, or when forceRefresh is
// set. A record whose documents aged since the last computation is
// re-evaluated locally before it is returned.
// The returned record is a private copy.
func (s *Service) CheckCompliance(ctx context.Context, carrierID string, forceRefresh bool) (*vigilance.VigilanceRecord, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return nil, shared.NewValidationError("carrier id is required")
	}
	if !forceRefresh {
		if rec := s.cached(carrierID); rec != nil && !rec.IsStale(s.now()) {
			return rec, nil
		}
	}

	key := fmt.Sprintf("%s|%t", carrierID, forceRefresh)
	v, err, _ := s.refresh.Do(key, func() (any, error) {
		return s.refreshRecord(ctx, carrierID, forceRefresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*vigilance.VigilanceRecord).Snapshot(), nil
}

// IsEligible reports whether the carrier may currently be assigned an order
func (s *Service) IsEligible(ctx context.Context, carrierID string) (bool, error) {
	rec, err := s.CheckCompliance(ctx, carrierID, false)
	if err != nil {
		return false, err
	}
	return rec.IsEligible(), nil
}

func (s *Service) refreshRecord(ctx context.Context, carrierID string, force bool) (*vigilance.VigilanceRecord, error) {
	unlock := s.locks.Lock(carrierID)
	defer unlock()

	now := s.now()
	rec, isNew, err := s.load(ctx, carrierID, s.source != nil)
	if err != nil {
		return nil, err
	}
	fetch := force || isNew || rec.IsDue(now)
	if !fetch && !rec.IsStale(now) {
		return s.store(rec), nil
	}

	if s.source == nil || !fetch {
		rec.Refresh(now)
	} else {
		fetched, err := s.source.FetchChecks(ctx, carrierID)
		switch {
		case err != nil && isNew:
			return nil, fmt.Errorf("fetch checks of carrier %s: %w", carrierID, err)
		case err != nil:
			s.logger.Warn("Check source unavailable, ageing stored checks",
				zap.String("carrier_id", carrierID),
				zap.Error(err))
			rec.Refresh(now)
		default:
			if fetched.CarrierName != "" {
				rec.CarrierName = fetched.CarrierName
			}
			rec.ApplyChecks(fetched.Checks, now)
		}
	}

	if err := s.persist(ctx, rec, isNew); err != nil {
		return nil, err
	}
	s.logger.Debug("Vigilance record refreshed",
		zap.String("carrier_id", carrierID),
		zap.Int("compliance_score", rec.ComplianceScore),
		zap.String("overall_status", rec.OverallStatus.String()))
	return s.publishAndStore(ctx, rec), nil
}

// SubmitDocument records a verified document and recomputes the record
func (s *Service) SubmitDocument(ctx context.Context, carrierID string, req SubmitDocumentRequest) (*vigilance.VigilanceRecord, error) {
	checkType := vigilance.CheckType(req.CheckType)
	if !checkType.IsDocument() {
		return nil, shared.NewValidationError("invalid check type: %s", req.CheckType)
	}
	if req.Coverage != nil && checkType != vigilance.CheckInsurance {
		return nil, shared.NewValidationError("coverage only applies to insurance documents")
	}
	return s.mutate(ctx, carrierID, true, func(rec *vigilance.VigilanceRecord, now time.Time) error {
		if req.CarrierName != "" {
			rec.CarrierName = req.CarrierName
		}
		if req.Coverage != nil {
			return rec.SubmitInsuranceDocument(req.DocumentID, req.ExpiresAt, *req.Coverage, now)
		}
		return rec.SubmitDocument(checkType, req.DocumentID, req.ExpiresAt, now)
	})
}

// UpdateIncidents replaces the incident counters of a carrier
func (s *Service) UpdateIncidents(ctx context.Context, carrierID string, req UpdateIncidentsRequest) (*vigilance.VigilanceRecord, error) {
	return s.mutate(ctx, carrierID, true, func(rec *vigilance.VigilanceRecord, now time.Time) error {
		return rec.UpdateIncidents(req.Total, req.Unresolved, req.Severe, req.LastIncidentAt, now)
	})
}

// AcknowledgeAlert marks one alert of a carrier as seen
func (s *Service) AcknowledgeAlert(ctx context.Context, carrierID, alertID string) (*vigilance.VigilanceRecord, error) {
	return s.mutate(ctx, carrierID, false, func(rec *vigilance.VigilanceRecord, now time.Time) error {
		return rec.AcknowledgeAlert(alertID, now)
	})
}

// PendingAlerts returns every unacknowledged alert, most severe first
func (s *Service) PendingAlerts(ctx context.Context) ([]vigilance.Alert, error) {
	records, err := s.repo.FindWithPendingAlerts(ctx)
	if err != nil {
		return nil, err
	}
	alerts := make([]vigilance.Alert, 0)
	for i := range records {
		alerts = append(alerts, records[i].PendingAlerts()...)
	}
	vigilance.SortAlertsBySeverity(alerts)
	return alerts, nil
}

// RunDueChecks refreshes up to limit records whose periodic re-check is due
func (s *Service) RunDueChecks(ctx context.Context, limit int) (RecheckResult, error) {
	var result RecheckResult
	due, err := s.repo.FindDue(ctx, s.now(), limit)
	if err != nil {
		return result, err
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++
		updated, err := s.CheckCompliance(ctx, rec.CarrierID, true)
		if err != nil {
			result.Failed++
			s.logger.Warn("Periodic vigilance re-check failed",
				zap.String("carrier_id", rec.CarrierID),
				zap.Error(err))
			continue
		}
		if updated.OverallStatus != rec.OverallStatus {
			result.Changed++
		}
	}
	return result, nil
}

// mutate applies fn to the carrier's record under its write lock, then
// persists and publishes the result
func (s *Service) mutate(ctx context.Context, carrierID string, create bool, fn func(*vigilance.VigilanceRecord, time.Time) error) (*vigilance.VigilanceRecord, error) {
	carrierID = strings.TrimSpace(carrierID)
	if carrierID == "" {
		return nil, shared.NewValidationError("carrier id is required")
	}

	unlock := s.locks.Lock(carrierID)
	defer unlock()

	rec, isNew, err := s.load(ctx, carrierID, create)
	if err != nil {
		return nil, err
	}
	if err := fn(rec, s.now()); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, rec, isNew); err != nil {
		return nil, err
	}
	return s.publishAndStore(ctx, rec).Snapshot(), nil
}

func (s *Service) load(ctx context.Context, carrierID string, create bool) (*vigilance.VigilanceRecord, bool, error) {
	rec, err := s.repo.FindByCarrier(ctx, carrierID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) || !create {
		return nil, false, err
	}
	rec, err = vigilance.NewVigilanceRecord(carrierID, "")
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Service) persist(ctx context.Context, rec *vigilance.VigilanceRecord, isNew bool) error {
	if isNew {
		return s.repo.Save(ctx, rec)
	}
	return s.repo.SaveWithLock(ctx, rec)
}

// publishAndStore publishes pending events and swaps in the new snapshot.
// It returns the cached snapshot, which callers must not modify.
func (s *Service) publishAndStore(ctx context.Context, rec *vigilance.VigilanceRecord) *vigilance.VigilanceRecord {
	events := rec.GetDomainEvents()
	rec.ClearDomainEvents()
	if len(events) > 0 {
		if err := s.publisher.Publish(ctx, events...); err != nil {
			s.logger.Warn("Failed to publish vigilance events",
				zap.String("carrier_id", rec.CarrierID),
				zap.Error(err))
		}
	}
	return s.store(rec)
}

func (s *Service) store(rec *vigilance.VigilanceRecord) *vigilance.VigilanceRecord {
	snap := rec.Snapshot()
	s.mu.Lock()
	s.snapshots[rec.CarrierID] = snap
	s.mu.Unlock()
	return snap
}

func (s *Service) cached(carrierID string) *vigilance.VigilanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.snapshots[carrierID]; ok {
		return rec.Snapshot()
	}
	return nil
}
