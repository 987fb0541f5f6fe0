package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormProposalRepository implements sourcing.ProposalRepository using GORM
type GormProposalRepository struct {
	db *gorm.DB
}

// NewGormProposalRepository creates a new GormProposalRepository
func NewGormProposalRepository(db *gorm.DB) *GormProposalRepository {
	return &GormProposalRepository{db: db}
}

// FindByID finds a proposal by its ID
func (r *GormProposalRepository) FindByID(ctx context.Context, id uuid.UUID) (*sourcing.CarrierProposal, error) {
	var model models.CarrierProposalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("proposal", id.String())
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindBySession returns the proposals of a session in arrival order
func (r *GormProposalRepository) FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*sourcing.CarrierProposal, error) {
	var proposalModels []models.CarrierProposalModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at").Order("id").
		Find(&proposalModels).Error; err != nil {
		return nil, err
	}

	proposals := make([]*sourcing.CarrierProposal, len(proposalModels))
	for i := range proposalModels {
		proposals[i] = proposalModels[i].ToDomain()
	}
	return proposals, nil
}

// FindBySessionAndCarrier finds the proposal a carrier made for a session
func (r *GormProposalRepository) FindBySessionAndCarrier(ctx context.Context, sessionID uuid.UUID, carrierID string) (*sourcing.CarrierProposal, error) {
	var model models.CarrierProposalModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND carrier_id = ?", sessionID, carrierID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("proposal of carrier", carrierID)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// SaveWithLock saves a single proposal with optimistic locking
func (r *GormProposalRepository) SaveWithLock(ctx context.Context, proposal *sourcing.CarrierProposal) error {
	return saveProposalWithLock(r.db.WithContext(ctx), proposal)
}

// CarrierStats aggregates every proposal a carrier made
func (r *GormProposalRepository) CarrierStats(ctx context.Context, carrierID string) (*sourcing.CarrierStats, error) {
	var agg struct {
		Total         int64
		Accepted      int64
		AvgScore      sql.NullFloat64
		AvgResponseMs sql.NullFloat64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.CarrierProposalModel{}).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS accepted, "+
			"AVG(score) AS avg_score, "+
			"AVG(response_time_ms) AS avg_response_ms", sourcing.ProposalAccepted).
		Where("carrier_id = ?", carrierID).
		Scan(&agg).Error; err != nil {
		return nil, err
	}

	var last *time.Time
	if agg.Total > 0 {
		var latest models.CarrierProposalModel
		if err := r.db.WithContext(ctx).
			Select("created_at").
			Where("carrier_id = ?", carrierID).
			Order("created_at DESC").
			First(&latest).Error; err != nil {
			return nil, err
		}
		last = &latest.CreatedAt
	}

	avgResponse := time.Duration(agg.AvgResponseMs.Float64 * float64(time.Millisecond))
	return sourcing.NewCarrierStats(carrierID, agg.Total, agg.Accepted, agg.AvgScore.Float64, avgResponse, last), nil
}

// CountByStatus counts the proposals in status; an empty organization counts
// across organizations
func (r *GormProposalRepository) CountByStatus(ctx context.Context, organizationID string, status sourcing.ProposalStatus) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.CarrierProposalModel{}).Where("status = ?", status)
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// upsertProposal inserts a proposal the database does not know yet and
// updates a known one with its version check
func upsertProposal(tx *gorm.DB, proposal *sourcing.CarrierProposal) error {
	var count int64
	if err := tx.Model(&models.CarrierProposalModel{}).Where("id = ?", proposal.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return saveProposalWithLock(tx, proposal)
	}
	if err := tx.Create(models.CarrierProposalModelFromDomain(proposal)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.NewConflictError("Carrier %s already responded to session %s", proposal.CarrierID, proposal.SessionID)
		}
		return err
	}
	return nil
}

func saveProposalWithLock(tx *gorm.DB, proposal *sourcing.CarrierProposal) error {
	currentVersion := proposal.Version
	proposal.Version++
	proposal.UpdatedAt = time.Now()

	model := models.CarrierProposalModelFromDomain(proposal)
	result := tx.Model(&models.CarrierProposalModel{}).
		Where("id = ? AND version = ?", proposal.ID, currentVersion).
		Updates(model.UpdateColumns())
	if result.Error != nil {
		proposal.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		proposal.Version = currentVersion
		var count int64
		if err := tx.Model(&models.CarrierProposalModel{}).Where("id = ?", proposal.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return shared.NewNotFoundError("proposal", proposal.ID.String())
		}
		return shared.NewDomainError(shared.CodeConcurrentModified, "The proposal has been modified by another process")
	}
	return nil
}
