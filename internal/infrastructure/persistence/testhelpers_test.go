package persistence

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens a migrated in-memory sqlite database
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

// newMockGormDB creates a postgres-dialect gorm DB over a sqlmock connection
func newMockGormDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return gormDB, mock, mockDB
}

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, orderID, orgID string) *sourcing.SourcingSession {
	t.Helper()
	s, err := sourcing.NewSourcingSession(sourcing.TriggerParams{
		OrderID:        orderID,
		OrganizationID: orgID,
		TriggerType:    sourcing.TriggerManual,
		Priority:       sourcing.PriorityHigh,
		Reason:         "no internal carrier available",
		TriggeredBy:    "planner-1",
		Route: sourcing.Route{
			OriginCity:      "Lyon",
			DestinationCity: "Marseille",
		},
		Order: scoring.Order{
			EstimatedPrice: decimal.NewFromInt(1200),
			DistanceKm:     315,
			WeightKg:       8000,
			GoodsType:      "palletized",
			PickupAt:       testNow.Add(24 * time.Hour),
			DeliveryAt:     testNow.Add(36 * time.Hour),
			Requirements:   []string{"tail_lift"},
		},
	})
	require.NoError(t, err)
	s.ClearDomainEvents()
	return s
}

func newTestProposal(t *testing.T, s *sourcing.SourcingSession, carrierID string, price int64) *sourcing.CarrierProposal {
	t.Helper()
	p, err := sourcing.NewCarrierProposal(s, sourcing.ProposalInput{
		CarrierID:     carrierID,
		CarrierName:   "Carrier " + carrierID,
		ProposedPrice: decimal.NewFromInt(price),
		PickupDate:    testNow.Add(24 * time.Hour),
		DeliveryDate:  testNow.Add(36 * time.Hour),
		VehicleType:   "semi",
		ResponseTime:  90 * time.Minute,
	})
	require.NoError(t, err)
	return p
}

// assign moves a session straight to assigned with the given carrier
func assign(s *sourcing.SourcingSession, carrierID, carrierName string, price int64) {
	s.Status = sourcing.StatusAssigned
	s.Assignment = &sourcing.Assignment{
		CarrierID:     carrierID,
		CarrierName:   carrierName,
		FinalPrice:    decimal.NewFromInt(price),
		TrackingLevel: sourcing.TrackingBasic,
		TrackingRef:   sourcing.NewTrackingRef(),
		AssignedAt:    testNow,
	}
}
