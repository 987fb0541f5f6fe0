package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormProposalRepository(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewGormSessionRepository(db)
	repo := NewGormProposalRepository(db)
	ctx := context.Background()

	session := newTestSession(t, "ORD-800", "org-1")
	require.NoError(t, sessions.CreateIfNoActive(ctx, session))

	first := newTestProposal(t, session, "carrier-1", 1380)
	first.CreatedAt = testNow
	first.Score = 71
	first.ScoreBreakdown = scoring.Breakdown{Price: 40, Quality: 80, Distance: 90, Historical: 70, Reactivity: 85, Vigilance: 100}
	first.Tier = scoring.TierGood
	first.CounterOffer = &scoring.CounterOffer{
		TargetVariationPct: 5,
		CounterPrice:       decimal.NewFromInt(1260),
		Message:            "Could you do 1260?",
		Strategy:           scoring.ThreeTierLadderName,
	}
	second := newTestProposal(t, session, "carrier-2", 1190)
	second.CreatedAt = testNow.Add(time.Minute)

	require.NoError(t, sessions.SaveWithProposals(ctx, session, second, first))

	t.Run("round-trips every field", func(t *testing.T) {
		found, err := repo.FindByID(ctx, first.ID)
		require.NoError(t, err)

		assert.Equal(t, session.ID, found.SessionID)
		assert.Equal(t, "org-1", found.OrganizationID)
		assert.Equal(t, "Carrier carrier-1", found.CarrierName)
		assert.True(t, decimal.NewFromInt(1380).Equal(found.ProposedPrice))
		assert.True(t, decimal.NewFromInt(1200).Equal(found.OriginalEstimate))
		assert.Equal(t, 71, found.Score)
		assert.Equal(t, first.ScoreBreakdown, found.ScoreBreakdown)
		assert.Equal(t, scoring.TierGood, found.Tier)
		assert.Equal(t, 90*time.Minute, found.ResponseTime)
		require.NotNil(t, found.CounterOffer)
		assert.True(t, decimal.NewFromInt(1260).Equal(found.CounterOffer.CounterPrice))
		require.Len(t, found.NegotiationHistory, 1)
		assert.Equal(t, sourcing.NegotiationProposal, found.NegotiationHistory[0].Kind)
	})

	t.Run("lists a session's proposals in arrival order", func(t *testing.T) {
		list, err := repo.FindBySession(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "carrier-1", list[0].CarrierID)
		assert.Equal(t, "carrier-2", list[1].CarrierID)

		empty, err := repo.FindBySession(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("finds by session and carrier", func(t *testing.T) {
		found, err := repo.FindBySessionAndCarrier(ctx, session.ID, "carrier-2")
		require.NoError(t, err)
		assert.Equal(t, second.ID, found.ID)

		_, err = repo.FindBySessionAndCarrier(ctx, session.ID, "carrier-9")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("saves with optimistic locking", func(t *testing.T) {
		stale, err := repo.FindByID(ctx, second.ID)
		require.NoError(t, err)

		second.Status = sourcing.ProposalAccepted
		decided := testNow
		second.DecidedAt = &decided
		require.NoError(t, repo.SaveWithLock(ctx, second))
		assert.Equal(t, 2, second.Version)

		stale.Status = sourcing.ProposalRejected
		err = repo.SaveWithLock(ctx, stale)
		assert.Equal(t, shared.CodeConcurrentModified, shared.ErrorCode(err))

		found, err := repo.FindByID(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, sourcing.ProposalAccepted, found.Status)
		require.NotNil(t, found.DecidedAt)
	})

	t.Run("reports unknown proposals", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)

		orphan := newTestProposal(t, session, "carrier-3", 1000)
		assert.ErrorIs(t, repo.SaveWithLock(ctx, orphan), shared.ErrNotFound)
	})
}

func TestGormProposalRepository_Aggregates(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewGormSessionRepository(db)
	repo := NewGormProposalRepository(db)
	ctx := context.Background()

	lyon := newTestSession(t, "ORD-810", "org-1")
	require.NoError(t, sessions.CreateIfNoActive(ctx, lyon))
	lille := newTestSession(t, "ORD-811", "org-2")
	require.NoError(t, sessions.CreateIfNoActive(ctx, lille))

	won := newTestProposal(t, lyon, "carrier-1", 1150)
	won.CreatedAt = testNow
	won.Score = 84
	won.Status = sourcing.ProposalAccepted
	lost := newTestProposal(t, lille, "carrier-1", 1300)
	lost.CreatedAt = testNow.Add(2 * time.Hour)
	lost.Score = 61
	lost.ResponseTime = 30 * time.Minute
	other := newTestProposal(t, lyon, "carrier-2", 1250)
	require.NoError(t, sessions.SaveWithProposals(ctx, lyon, won, other))
	require.NoError(t, sessions.SaveWithProposals(ctx, lille, lost))

	t.Run("carrier statistics", func(t *testing.T) {
		stats, err := repo.CarrierStats(ctx, "carrier-1")
		require.NoError(t, err)

		assert.Equal(t, "carrier-1", stats.CarrierID)
		assert.Equal(t, int64(2), stats.TotalProposals)
		assert.Equal(t, int64(1), stats.AcceptedProposals)
		assert.Equal(t, 50, stats.AcceptanceRate)
		assert.Equal(t, 73, stats.AverageScore)
		assert.Equal(t, 60, stats.AverageResponseMinutes)
		require.NotNil(t, stats.LastProposalAt)
		assert.True(t, lost.CreatedAt.Equal(*stats.LastProposalAt))
	})

	t.Run("carrier without proposals", func(t *testing.T) {
		stats, err := repo.CarrierStats(ctx, "carrier-9")
		require.NoError(t, err)
		assert.Zero(t, stats.TotalProposals)
		assert.Zero(t, stats.AcceptanceRate)
		assert.Nil(t, stats.LastProposalAt)
	})

	t.Run("counts by status", func(t *testing.T) {
		pending, err := repo.CountByStatus(ctx, "", sourcing.ProposalPending)
		require.NoError(t, err)
		assert.Equal(t, int64(2), pending)

		pending, err = repo.CountByStatus(ctx, "org-2", sourcing.ProposalPending)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})
}
