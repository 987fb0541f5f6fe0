package telemetry

import (
	"context"

	"gorm.io/gorm"
)

// GormActivityProvider counts workload rows straight from the database
type GormActivityProvider struct {
	db *gorm.DB
}

// NewGormActivityProvider creates a GormActivityProvider
func NewGormActivityProvider(db *gorm.DB) *GormActivityProvider {
	return &GormActivityProvider{db: db}
}

// CountActiveSessions counts sessions holding their order's active slot
func (p *GormActivityProvider) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).
		Table("sourcing_sessions").
		Where("active_order_id IS NOT NULL").
		Count(&n).Error
	return n, err
}

// CountPendingAlerts counts carriers with at least one unacknowledged alert
func (p *GormActivityProvider) CountPendingAlerts(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).
		Table("vigilance_records").
		Where("pending_alerts > 0").
		Count(&n).Error
	return n, err
}
