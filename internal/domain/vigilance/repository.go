package vigilance

import (
	"context"
	"time"
)

// RecordRepository defines the interface for vigilance record persistence
type RecordRepository interface {
	// FindByCarrier finds the record of a carrier
	FindByCarrier(ctx context.Context, carrierID string) (*VigilanceRecord, error)

	// FindWithPendingAlerts returns every record holding at least one unacknowledged alert
	FindWithPendingAlerts(ctx context.Context) ([]VigilanceRecord, error)

	// FindDue returns records whose periodic re-check is due, oldest first
	FindDue(ctx context.Context, now time.Time, limit int) ([]VigilanceRecord, error)

	// Save creates a record or overwrites an existing one
	Save(ctx context.Context, record *VigilanceRecord) error

	// SaveWithLock saves with optimistic locking (version check)
	SaveWithLock(ctx context.Context, record *VigilanceRecord) error
}
