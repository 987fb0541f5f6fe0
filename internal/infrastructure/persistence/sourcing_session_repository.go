package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const topCarriersLimit = 5

// GormSessionRepository implements sourcing.SessionRepository using GORM
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a new GormSessionRepository
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// FindByID finds a session by its ID
func (r *GormSessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*sourcing.SourcingSession, error) {
	var model models.SourcingSessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("sourcing session", id.String())
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindActiveByOrder finds the active session of an order
func (r *GormSessionRepository) FindActiveByOrder(ctx context.Context, orderID string) (*sourcing.SourcingSession, error) {
	var model models.SourcingSessionModel
	if err := r.db.WithContext(ctx).
		Where("active_order_id = ?", orderID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("active sourcing session for order", orderID)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindAll lists sessions matching the query, newest first, with the total count
func (r *GormSessionRepository) FindAll(ctx context.Context, query sourcing.SessionQuery, filter shared.Filter) ([]sourcing.SourcingSession, int64, error) {
	q := applySessionQuery(r.db.WithContext(ctx).Model(&models.SourcingSessionModel{}), query)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessionModels []models.SourcingSessionModel
	if err := q.Order(sessionOrder(filter.OrderBy, filter.OrderDir)).Order("id").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&sessionModels).Error; err != nil {
		return nil, 0, err
	}

	sessions := make([]sourcing.SourcingSession, len(sessionModels))
	for i := range sessionModels {
		sessions[i] = *sessionModels[i].ToDomain()
	}
	return sessions, total, nil
}

// CreateIfNoActive inserts the session unless the order already has an active one.
// The unique index on active_order_id settles races between concurrent creators.
func (r *GormSessionRepository) CreateIfNoActive(ctx context.Context, session *sourcing.SourcingSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SourcingSessionModel{}).
			Where("active_order_id = ?", session.OrderID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return activeSessionConflict(session.OrderID)
		}

		if err := tx.Create(models.SourcingSessionModelFromDomain(session)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return activeSessionConflict(session.OrderID)
			}
			return err
		}
		return nil
	})
}

// SaveWithLock saves with optimistic locking (version check)
func (r *GormSessionRepository) SaveWithLock(ctx context.Context, session *sourcing.SourcingSession) error {
	return saveSessionWithLock(r.db.WithContext(ctx), session)
}

// SaveWithProposals saves the session with optimistic locking together with
// the given proposals in one transaction. New proposals are inserted, known
// ones are updated with their own version check.
func (r *GormSessionRepository) SaveWithProposals(ctx context.Context, session *sourcing.SourcingSession, proposals ...*sourcing.CarrierProposal) error {
	sessionVersion := session.Version
	proposalVersions := make([]int, len(proposals))
	for i, p := range proposals {
		proposalVersions[i] = p.Version
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range proposals {
			if err := upsertProposal(tx, p); err != nil {
				return err
			}
		}
		return saveSessionWithLock(tx, session)
	})
	if err != nil {
		// the rolled back transaction leaves every aggregate at its loaded version
		session.Version = sessionVersion
		for i, p := range proposals {
			p.Version = proposalVersions[i]
		}
	}
	return err
}

// Stats aggregates sessions matching the query
func (r *GormSessionRepository) Stats(ctx context.Context, query sourcing.SessionQuery) (*sourcing.SessionStats, error) {
	stats := sourcing.NewSessionStats()
	base := func() *gorm.DB {
		return applySessionQuery(r.db.WithContext(ctx).Model(&models.SourcingSessionModel{}), query)
	}

	var groups []struct {
		Status      sourcing.SessionStatus
		TriggerType sourcing.TriggerType
		Total       int64
	}
	if err := base().
		Select("status, trigger_type, COUNT(*) AS total").
		Group("status, trigger_type").
		Scan(&groups).Error; err != nil {
		return nil, err
	}
	for _, g := range groups {
		stats.ByStatus[g.Status] += g.Total
		stats.ByTrigger[g.TriggerType] += g.Total
	}

	var avg decimal.NullDecimal
	if err := base().
		Select("AVG(final_price)").
		Where("final_price IS NOT NULL").
		Row().Scan(&avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AverageFinalPrice = avg.Decimal.Round(2)
	}

	var top []sourcing.CarrierAssignments
	if err := base().
		Select("assigned_carrier_id AS carrier_id, MAX(assigned_carrier_name) AS carrier_name, COUNT(*) AS assignments").
		Where("assigned_carrier_id <> ''").
		Group("assigned_carrier_id").
		Order("assignments DESC").Order("carrier_id").
		Limit(topCarriersLimit).
		Scan(&top).Error; err != nil {
		return nil, err
	}
	if len(top) > 0 {
		stats.TopCarriers = top
	}

	stats.Derive()
	return stats, nil
}

func applySessionQuery(q *gorm.DB, query sourcing.SessionQuery) *gorm.DB {
	if query.OrganizationID != "" {
		q = q.Where("organization_id = ?", query.OrganizationID)
	}
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}
	if query.TriggerType != "" {
		q = q.Where("trigger_type = ?", query.TriggerType)
	}
	if query.From != nil {
		q = q.Where("created_at >= ?", *query.From)
	}
	if query.To != nil {
		q = q.Where("created_at <= ?", *query.To)
	}
	return q
}

func saveSessionWithLock(tx *gorm.DB, session *sourcing.SourcingSession) error {
	currentVersion := session.Version
	session.Version++
	session.UpdatedAt = time.Now()

	model := models.SourcingSessionModelFromDomain(session)
	result := tx.Model(&models.SourcingSessionModel{}).
		Where("id = ? AND version = ?", session.ID, currentVersion).
		Updates(model.UpdateColumns())
	if result.Error != nil {
		session.Version = currentVersion
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return activeSessionConflict(session.OrderID)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		session.Version = currentVersion
		var count int64
		if err := tx.Model(&models.SourcingSessionModel{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return shared.NewNotFoundError("sourcing session", session.ID.String())
		}
		return shared.NewDomainError(shared.CodeConcurrentModified, "The sourcing session has been modified by another process")
	}
	return nil
}

func activeSessionConflict(orderID string) error {
	return shared.NewConflictError("Order %s already has an active sourcing session", orderID).
		WithDetail("order_id", orderID)
}
