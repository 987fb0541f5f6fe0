package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/affretia/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormVigilanceRecordRepository implements vigilance.RecordRepository using GORM
type GormVigilanceRecordRepository struct {
	db *gorm.DB
}

// NewGormVigilanceRecordRepository creates a new GormVigilanceRecordRepository
func NewGormVigilanceRecordRepository(db *gorm.DB) *GormVigilanceRecordRepository {
	return &GormVigilanceRecordRepository{db: db}
}

// FindByCarrier finds the record of a carrier
func (r *GormVigilanceRecordRepository) FindByCarrier(ctx context.Context, carrierID string) (*vigilance.VigilanceRecord, error) {
	var model models.VigilanceRecordModel
	if err := r.db.WithContext(ctx).Where("carrier_id = ?", carrierID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError("vigilance record of carrier", carrierID)
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindWithPendingAlerts returns every record holding at least one unacknowledged alert
func (r *GormVigilanceRecordRepository) FindWithPendingAlerts(ctx context.Context) ([]vigilance.VigilanceRecord, error) {
	var recordModels []models.VigilanceRecordModel
	if err := r.db.WithContext(ctx).
		Where("pending_alerts > 0").
		Order("carrier_id").
		Find(&recordModels).Error; err != nil {
		return nil, err
	}
	return toVigilanceRecords(recordModels), nil
}

// FindDue returns records whose periodic re-check is due, never-checked records first
func (r *GormVigilanceRecordRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]vigilance.VigilanceRecord, error) {
	q := r.db.WithContext(ctx).
		Where("next_check_due IS NULL OR next_check_due <= ?", now).
		Order("CASE WHEN next_check_due IS NULL THEN 0 ELSE 1 END").
		Order("next_check_due").
		Order("carrier_id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recordModels []models.VigilanceRecordModel
	if err := q.Find(&recordModels).Error; err != nil {
		return nil, err
	}
	return toVigilanceRecords(recordModels), nil
}

// Save creates a record or overwrites an existing one
func (r *GormVigilanceRecordRepository) Save(ctx context.Context, record *vigilance.VigilanceRecord) error {
	record.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(models.VigilanceRecordModelFromDomain(record)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.NewConflictError("Carrier %s already has a vigilance record", record.CarrierID)
		}
		return err
	}
	return nil
}

// SaveWithLock saves with optimistic locking (version check)
func (r *GormVigilanceRecordRepository) SaveWithLock(ctx context.Context, record *vigilance.VigilanceRecord) error {
	currentVersion := record.Version
	record.Version++
	record.UpdatedAt = time.Now()

	model := models.VigilanceRecordModelFromDomain(record)
	result := r.db.WithContext(ctx).
		Model(&models.VigilanceRecordModel{}).
		Where("id = ? AND version = ?", record.ID, currentVersion).
		Updates(model.UpdateColumns())
	if result.Error != nil {
		record.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		record.Version = currentVersion
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.VigilanceRecordModel{}).Where("id = ?", record.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return shared.NewNotFoundError("vigilance record of carrier", record.CarrierID)
		}
		return shared.NewDomainError(shared.CodeConcurrentModified, "The vigilance record has been modified by another process")
	}
	return nil
}

func toVigilanceRecords(recordModels []models.VigilanceRecordModel) []vigilance.VigilanceRecord {
	records := make([]vigilance.VigilanceRecord, len(recordModels))
	for i := range recordModels {
		records[i] = *recordModels[i].ToDomain()
	}
	return records
}
