package sourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KV namespaces
const (
	ExchangeOfferPrefix = "exchange:offer:"
	TrackingPrefix      = "tracking:"
)

const defaultExchangeLimit = 20

// ExchangeOffer is an opportunity listed on the public freight exchange
type ExchangeOffer struct {
	SessionID      uuid.UUID         `json:"session_id"`
	BroadcastID    uuid.UUID         `json:"broadcast_id"`
	OrderID        string            `json:"order_id"`
	OrganizationID string            `json:"organization_id"`
	Priority       sourcing.Priority `json:"priority"`
	Route          sourcing.Route    `json:"route"`
	GoodsType      string            `json:"goods_type,omitempty"`
	WeightKg       float64           `json:"weight_kg"`
	DistanceKm     float64           `json:"distance_km"`
	EstimatedPrice decimal.Decimal   `json:"estimated_price"`
	PickupAt       time.Time         `json:"pickup_at"`
	DeliveryAt     time.Time         `json:"delivery_at"`
	Requirements   []string          `json:"requirements,omitempty"`
	PublishedAt    time.Time         `json:"published_at"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
}

// ExchangeOfferList is one page of the freight exchange
type ExchangeOfferList struct {
	Items  []ExchangeOffer `json:"items"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// TrackingRecord is the reference handed to tracking for an assigned order
type TrackingRecord struct {
	TrackingRef       string          `json:"tracking_ref"`
	SessionID         uuid.UUID       `json:"session_id"`
	OrderID           string          `json:"order_id"`
	CarrierID         string          `json:"carrier_id"`
	CarrierName       string          `json:"carrier_name"`
	TrackingLevel     string          `json:"tracking_level"`
	Status            string          `json:"status"`
	FinalPrice        decimal.Decimal `json:"final_price"`
	AssignedAt        time.Time       `json:"assigned_at"`
	VehiclePlate      string          `json:"vehicle_plate,omitempty"`
	DriverName        string          `json:"driver_name,omitempty"`
	PickupConfirmedAt *time.Time      `json:"pickup_confirmed_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func exchangeKey(sessionID uuid.UUID) string {
	return ExchangeOfferPrefix + sessionID.String()
}

func trackingKey(ref string) string {
	return TrackingPrefix + ref
}

// publishExchangeOffer lists the session's order on the freight exchange
// until the broadcast deadline
func (s *Service) publishExchangeOffer(ctx context.Context, session *sourcing.SourcingSession, now time.Time) error {
	offer := ExchangeOffer{
		SessionID:      session.ID,
		BroadcastID:    session.Broadcast.ID,
		OrderID:        session.OrderID,
		OrganizationID: session.OrganizationID,
		Priority:       session.Priority,
		Route:          session.Route,
		GoodsType:      session.Order.GoodsType,
		WeightKg:       session.Order.WeightKg,
		DistanceKm:     session.Order.DistanceKm,
		EstimatedPrice: session.Order.EstimatedPrice,
		PickupAt:       session.Order.PickupAt,
		DeliveryAt:     session.Order.DeliveryAt,
		Requirements:   session.Order.Requirements,
		PublishedAt:    now,
		Deadline:       session.Broadcast.Deadline,
	}
	ttl := s.config.ExchangeOfferTTL
	if offer.Deadline != nil {
		ttl = offer.Deadline.Sub(now)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode exchange offer: %w", err)
	}
	return s.kv.Put(ctx, exchangeKey(session.ID), data, ttl)
}

func (s *Service) withdrawExchangeOffer(ctx context.Context, sessionID uuid.UUID) error {
	return s.kv.Delete(ctx, exchangeKey(sessionID))
}

// ListExchangeOffers returns the live freight exchange offers matching the
// filter, soonest pickup first
func (s *Service) ListExchangeOffers(ctx context.Context, filter ExchangeFilter) (*ExchangeOfferList, error) {
	entries, err := s.kv.Scan(ctx, ExchangeOfferPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan exchange offers: %w", err)
	}

	matched := make([]ExchangeOffer, 0, len(entries))
	for key, data := range entries {
		var offer ExchangeOffer
		if err := json.Unmarshal(data, &offer); err != nil {
			s.logger.Warn("Skipping unreadable exchange offer",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if filter.matches(offer) {
			matched = append(matched, offer)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].PickupAt.Equal(matched[j].PickupAt) {
			return matched[i].PickupAt.Before(matched[j].PickupAt)
		}
		return matched[i].SessionID.String() < matched[j].SessionID.String()
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultExchangeLimit
	}
	offset := max(filter.Offset, 0)
	list := &ExchangeOfferList{
		Items:  make([]ExchangeOffer, 0),
		Total:  len(matched),
		Offset: offset,
		Limit:  limit,
	}
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		list.Items = matched[offset:end]
	}
	return list, nil
}

// GetExchangeOffer returns the live freight exchange offer of a session
func (s *Service) GetExchangeOffer(ctx context.Context, sessionID uuid.UUID) (*ExchangeOffer, error) {
	data, err := s.kv.Get(ctx, exchangeKey(sessionID))
	if errors.Is(err, shared.ErrKeyNotFound) {
		return nil, shared.NewNotFoundError("exchange offer", sessionID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("read exchange offer: %w", err)
	}
	var offer ExchangeOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		return nil, fmt.Errorf("decode exchange offer: %w", err)
	}
	return &offer, nil
}

func (f ExchangeFilter) matches(o ExchangeOffer) bool {
	if f.OriginCity != "" && cityKey(f.OriginCity) != cityKey(o.Route.OriginCity) {
		return false
	}
	if f.DestinationCity != "" && cityKey(f.DestinationCity) != cityKey(o.Route.DestinationCity) {
		return false
	}
	price := o.EstimatedPrice.InexactFloat64()
	if f.MinPrice != nil && price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && price > *f.MaxPrice {
		return false
	}
	if f.MaxWeightKg != nil && o.WeightKg > *f.MaxWeightKg {
		return false
	}
	return true
}

// cityKey folds case and strips diacritics so "Saint-Étienne" and
// "saint-etienne" compare equal
func cityKey(city string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.TrimSpace(city))
	if err != nil {
		stripped = strings.TrimSpace(city)
	}
	return cases.Fold().String(stripped)
}

func trackingRecordFor(session *sourcing.SourcingSession, now time.Time) *TrackingRecord {
	a := session.Assignment
	return &TrackingRecord{
		TrackingRef:       a.TrackingRef,
		SessionID:         session.ID,
		OrderID:           session.OrderID,
		CarrierID:         a.CarrierID,
		CarrierName:       a.CarrierName,
		TrackingLevel:     string(a.TrackingLevel),
		Status:            session.Status.String(),
		FinalPrice:        a.FinalPrice,
		AssignedAt:        a.AssignedAt,
		VehiclePlate:      a.VehiclePlate,
		DriverName:        a.DriverName,
		PickupConfirmedAt: a.PickupConfirmedAt,
		DeliveredAt:       a.DeliveredAt,
		UpdatedAt:         now,
	}
}

// putTracking stores the tracking record of an assigned session
func (s *Service) putTracking(ctx context.Context, session *sourcing.SourcingSession) (*TrackingRecord, error) {
	if session.Assignment == nil {
		return nil, nil
	}
	rec := trackingRecordFor(session, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode tracking record: %w", err)
	}
	if err := s.kv.Put(ctx, trackingKey(rec.TrackingRef), data, s.config.TrackingTTL); err != nil {
		return nil, err
	}
	return rec, nil
}

// refreshTracking rewrites the tracking record after a status change
func (s *Service) refreshTracking(ctx context.Context, session *sourcing.SourcingSession) {
	if _, err := s.putTracking(ctx, session); err != nil {
		s.logger.Warn("Failed to update tracking record",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
	}
}

// GetTracking returns the tracking record of a tracking reference
func (s *Service) GetTracking(ctx context.Context, ref string) (*TrackingRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, shared.NewValidationError("tracking reference is required")
	}
	data, err := s.kv.Get(ctx, trackingKey(ref))
	if errors.Is(err, shared.ErrKeyNotFound) {
		return nil, shared.NewNotFoundError("tracking record", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking record: %w", err)
	}
	var rec TrackingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode tracking record: %w", err)
	}
	return &rec, nil
}
