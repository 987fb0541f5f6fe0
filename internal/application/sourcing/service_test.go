package sourcing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/domain/shared"
	"github.com/affretia/backend/internal/domain/sourcing"
	"github.com/affretia/backend/internal/domain/vigilance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ==================== Test doubles ====================

// MockComplianceChecker is a mock implementation of ComplianceChecker
type MockComplianceChecker struct {
	mock.Mock
}

func (m *MockComplianceChecker) CheckCompliance(ctx context.Context, carrierID string, forceRefresh bool) (*vigilance.VigilanceRecord, error) {
	args := m.Called(ctx, carrierID, forceRefresh)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vigilance.VigilanceRecord), args.Error(1)
}

// MockSessionRepository is a mock implementation of sourcing.SessionRepository
// used where a specific repository failure is needed
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*sourcing.SourcingSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sourcing.SourcingSession), args.Error(1)
}

func (m *MockSessionRepository) FindActiveByOrder(ctx context.Context, orderID string) (*sourcing.SourcingSession, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sourcing.SourcingSession), args.Error(1)
}

func (m *MockSessionRepository) FindAll(ctx context.Context, query sourcing.SessionQuery, filter shared.Filter) ([]sourcing.SourcingSession, int64, error) {
	args := m.Called(ctx, query, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]sourcing.SourcingSession), args.Get(1).(int64), args.Error(2)
}

func (m *MockSessionRepository) CreateIfNoActive(ctx context.Context, session *sourcing.SourcingSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) SaveWithLock(ctx context.Context, session *sourcing.SourcingSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) SaveWithProposals(ctx context.Context, session *sourcing.SourcingSession, proposals ...*sourcing.CarrierProposal) error {
	args := m.Called(ctx, session, proposals)
	return args.Error(0)
}

func (m *MockSessionRepository) Stats(ctx context.Context, query sourcing.SessionQuery) (*sourcing.SessionStats, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sourcing.SessionStats), args.Error(1)
}

// memStore keeps sessions and proposals as values, so every load returns a
// private copy and unsaved changes never leak into the store
type memStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]sourcing.SourcingSession
	proposals map[uuid.UUID]sourcing.CarrierProposal
	arrival   []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[uuid.UUID]sourcing.SourcingSession),
		proposals: make(map[uuid.UUID]sourcing.CarrierProposal),
	}
}

func cloneSession(s *sourcing.SourcingSession) sourcing.SourcingSession {
	cp := *s
	cp.ClearDomainEvents()
	cp.Shortlist = append([]sourcing.ShortlistCandidate(nil), s.Shortlist...)
	if s.Broadcast != nil {
		b := *s.Broadcast
		cp.Broadcast = &b
	}
	if s.Selection != nil {
		sel := *s.Selection
		cp.Selection = &sel
	}
	if s.Assignment != nil {
		a := *s.Assignment
		cp.Assignment = &a
	}
	return cp
}

func cloneProposal(p *sourcing.CarrierProposal) sourcing.CarrierProposal {
	cp := *p
	cp.ClearDomainEvents()
	cp.NegotiationHistory = append([]sourcing.NegotiationEntry(nil), p.NegotiationHistory...)
	return cp
}

func (st *memStore) session(id uuid.UUID) sourcing.SourcingSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

func (st *memStore) proposalCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.proposals)
}

func (st *memStore) saveSessionLocked(s *sourcing.SourcingSession) error {
	stored, ok := st.sessions[s.ID]
	if !ok {
		return shared.NewNotFoundError("sourcing session", s.ID.String())
	}
	if stored.Version != s.Version {
		return shared.ErrConcurrencyConflict
	}
	s.Version++
	st.sessions[s.ID] = cloneSession(s)
	return nil
}

func (st *memStore) checkProposalLocked(p *sourcing.CarrierProposal) error {
	if stored, ok := st.proposals[p.ID]; ok && stored.Version != p.Version {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

func (st *memStore) saveProposalLocked(p *sourcing.CarrierProposal) {
	if _, ok := st.proposals[p.ID]; ok {
		p.Version++
	} else {
		st.arrival = append(st.arrival, p.ID)
	}
	st.proposals[p.ID] = cloneProposal(p)
}

type memSessions struct{ st *memStore }

func (r memSessions) FindByID(_ context.Context, id uuid.UUID) (*sourcing.SourcingSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok {
		return nil, shared.NewNotFoundError("sourcing session", id.String())
	}
	cp := cloneSession(&s)
	return &cp, nil
}

func (r memSessions) FindActiveByOrder(_ context.Context, orderID string) (*sourcing.SourcingSession, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.sessions {
		if s.OrderID == orderID && s.IsActive() {
			cp := cloneSession(&s)
			return &cp, nil
		}
	}
	return nil, shared.NewNotFoundError("active session of order", orderID)
}

func (r memSessions) FindAll(_ context.Context, q sourcing.SessionQuery, f shared.Filter) ([]sourcing.SourcingSession, int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	all := make([]sourcing.SourcingSession, 0)
	for _, s := range r.st.sessions {
		if q.OrganizationID != "" && s.OrganizationID != q.OrganizationID {
			continue
		}
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		all = append(all, cloneSession(&s))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OrderID > all[j].OrderID })
	total := int64(len(all))
	start := min(f.Offset(), len(all))
	end := min(start+f.Limit(), len(all))
	return all[start:end], total, nil
}

func (r memSessions) CreateIfNoActive(_ context.Context, s *sourcing.SourcingSession) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.sessions {
		if existing.OrderID == s.OrderID && existing.IsActive() {
			return shared.NewConflictError("Order %s already has an active session", s.OrderID)
		}
	}
	r.st.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r memSessions) SaveWithLock(_ context.Context, s *sourcing.SourcingSession) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.saveSessionLocked(s)
}

func (r memSessions) SaveWithProposals(_ context.Context, s *sourcing.SourcingSession, proposals ...*sourcing.CarrierProposal) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, p := range proposals {
		if err := r.st.checkProposalLocked(p); err != nil {
			return err
		}
	}
	if err := r.st.saveSessionLocked(s); err != nil {
		return err
	}
	for _, p := range proposals {
		r.st.saveProposalLocked(p)
	}
	return nil
}

func (r memSessions) Stats(_ context.Context, q sourcing.SessionQuery) (*sourcing.SessionStats, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	stats := sourcing.NewSessionStats()
	for _, s := range r.st.sessions {
		if q.OrganizationID != "" && s.OrganizationID != q.OrganizationID {
			continue
		}
		if q.From != nil && s.CreatedAt.Before(*q.From) {
			continue
		}
		stats.ByStatus[s.Status]++
		stats.ByTrigger[s.TriggerType]++
	}
	return stats, nil
}

type memProposals struct{ st *memStore }

func (r memProposals) FindByID(_ context.Context, id uuid.UUID) (*sourcing.CarrierProposal, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	p, ok := r.st.proposals[id]
	if !ok {
		return nil, shared.NewNotFoundError("proposal", id.String())
	}
	cp := cloneProposal(&p)
	return &cp, nil
}

func (r memProposals) FindBySession(_ context.Context, sessionID uuid.UUID) ([]*sourcing.CarrierProposal, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]*sourcing.CarrierProposal, 0)
	for _, id := range r.st.arrival {
		p := r.st.proposals[id]
		if p.SessionID == sessionID {
			cp := cloneProposal(&p)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memProposals) FindBySessionAndCarrier(_ context.Context, sessionID uuid.UUID, carrierID string) (*sourcing.CarrierProposal, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, p := range r.st.proposals {
		if p.SessionID == sessionID && p.CarrierID == carrierID {
			cp := cloneProposal(&p)
			return &cp, nil
		}
	}
	return nil, shared.NewNotFoundError("proposal of carrier", carrierID)
}

func (r memProposals) SaveWithLock(_ context.Context, p *sourcing.CarrierProposal) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if err := r.st.checkProposalLocked(p); err != nil {
		return err
	}
	r.st.saveProposalLocked(p)
	return nil
}

func (r memProposals) CarrierStats(_ context.Context, carrierID string) (*sourcing.CarrierStats, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var (
		total, accepted int64
		scoreSum        float64
		responseSum     time.Duration
		last            *time.Time
	)
	for _, p := range r.st.proposals {
		if p.CarrierID != carrierID {
			continue
		}
		total++
		if p.Status == sourcing.ProposalAccepted {
			accepted++
		}
		scoreSum += float64(p.Score)
		responseSum += p.ResponseTime
		if last == nil || p.CreatedAt.After(*last) {
			at := p.CreatedAt
			last = &at
		}
	}
	if total == 0 {
		return sourcing.NewCarrierStats(carrierID, 0, 0, 0, 0, nil), nil
	}
	return sourcing.NewCarrierStats(carrierID, total, accepted, scoreSum/float64(total), responseSum/time.Duration(total), last), nil
}

func (r memProposals) CountByStatus(_ context.Context, organizationID string, status sourcing.ProposalStatus) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, p := range r.st.proposals {
		if p.Status == status && (organizationID == "" || p.OrganizationID == organizationID) {
			n++
		}
	}
	return n, nil
}

// memKV is a map-backed KVStore recording the retention of each key
type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	putErr error
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (kv *memKV) Get(_ context.Context, key string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return nil, shared.ErrKeyNotFound
	}
	return v, nil
}

func (kv *memKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.putErr != nil {
		return kv.putErr
	}
	kv.data[key] = value
	kv.ttls[key] = ttl
	return nil
}

func (kv *memKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	delete(kv.ttls, key)
	return nil
}

func (kv *memKV) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range kv.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (kv *memKV) Close() error { return nil }

func (kv *memKV) has(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	return ok
}

// fakeDispatcher records the opportunities it is given
type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []Opportunity
	report DispatchReport
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, opp Opportunity) (DispatchReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, opp)
	return d.report, d.err
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// ==================== Fixture ====================

type fixture struct {
	svc        *Service
	store      *memStore
	compliance *MockComplianceChecker
	kv         *memKV
	publisher  *recordingPublisher
	dispatcher *fakeDispatcher
	channels   []string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:      newMemStore(),
		compliance: new(MockComplianceChecker),
		kv:         newMemKV(),
		publisher:  &recordingPublisher{},
		dispatcher: &fakeDispatcher{},
		channels:   []string{"email"},
	}
	engine := scoring.MustNewEngine(scoring.DefaultConfig()).WithClock(func() time.Time { return testNow })
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithEventPublisher(f.publisher),
		WithDispatcher(f.dispatcher),
	}, opts...)
	f.svc = NewService(memSessions{f.store}, memProposals{f.store}, f.compliance, f.kv, engine, zap.NewNop(), opts...)
	return f
}

func validChecks() vigilance.Checks {
	verifiedAt := testNow.Add(-24 * time.Hour)
	return vigilance.Checks{
		Registration: vigilance.ValidCheck("kbis", verifiedAt, nil),
		TaxStanding:  vigilance.ValidCheck("urssaf", verifiedAt, nil),
		Insurance: vigilance.InsuranceCheck{
			Check:       vigilance.ValidCheck("ins", verifiedAt, nil),
			Coverage:    decimal.NewFromInt(200000),
			MinRequired: vigilance.DefaultMinInsuranceCoverage,
		},
		License:   vigilance.ValidCheck("lic", verifiedAt, nil),
		Identity:  vigilance.ValidCheck("id", verifiedAt, nil),
		Bank:      vigilance.BankCheck{Check: vigilance.ValidCheck("rib", verifiedAt, nil), MatchesCompany: true},
		Incidents: vigilance.NewIncidentHistory(0, 0, 0, nil),
	}
}

func compliantRecord(t *testing.T, carrierID string) *vigilance.VigilanceRecord {
	t.Helper()
	rec, err := vigilance.NewVigilanceRecord(carrierID, "Carrier "+carrierID)
	require.NoError(t, err)
	rec.ApplyChecks(validChecks(), testNow.Add(-time.Hour))
	require.True(t, rec.IsEligible())
	return rec
}

func uninsuredRecord(t *testing.T, carrierID string) *vigilance.VigilanceRecord {
	t.Helper()
	rec, err := vigilance.NewVigilanceRecord(carrierID, "Carrier "+carrierID)
	require.NoError(t, err)
	checks := validChecks()
	checks.Insurance.Check = vigilance.MissingCheck()
	rec.ApplyChecks(checks, testNow.Add(-time.Hour))
	require.False(t, rec.IsEligible())
	return rec
}

func (f *fixture) compliant(t *testing.T, carrierIDs ...string) {
	for _, id := range carrierIDs {
		f.compliance.On("CheckCompliance", mock.Anything, id, mock.Anything).Return(compliantRecord(t, id), nil)
	}
}

func triggerRequest(orderID string) TriggerSourcingRequest {
	return TriggerSourcingRequest{
		OrderID:        orderID,
		OrganizationID: "org-1",
		TriggerType:    "manual",
		Reason:         "no internal capacity",
		TriggeredBy:    "dispatcher@shipper.test",
		Route: RouteInput{
			OriginCity:      "Lyon",
			DestinationCity: "Paris",
		},
		Order: OrderInput{
			EstimatedPrice: decimal.NewFromInt(1000),
			DistanceKm:     450,
			PickupAt:       testNow.Add(72 * time.Hour),
			DeliveryAt:     testNow.Add(96 * time.Hour),
			GoodsType:      "pallets",
			WeightKg:       8000,
		},
	}
}

func strongCandidate(carrierID string) CandidateInput {
	km := 10.0
	last := testNow.Add(-72 * time.Hour)
	return CandidateInput{
		CarrierID:          carrierID,
		CarrierName:        "Carrier " + carrierID,
		MatchScore:         90,
		DistanceToPickupKm: &km,
		History: &scoring.CarrierHistory{
			TotalMissions: 100,
			OnTimeRate:    98,
			AverageRating: 4.9,
			LastMissionAt: &last,
		},
		Email: carrierID + "@carrier.test",
	}
}

func plainCandidate(carrierID string) CandidateInput {
	return CandidateInput{CarrierID: carrierID, CarrierName: "Carrier " + carrierID, MatchScore: 50}
}

func proposalRequest(carrierID string, price int64, responseMinutes float64) SubmitProposalRequest {
	req := SubmitProposalRequest{
		CarrierID:     carrierID,
		ProposedPrice: decimal.NewFromInt(price),
		PickupDate:    testNow.Add(72 * time.Hour),
		DeliveryDate:  testNow.Add(96 * time.Hour),
		VehicleType:   "semi-trailer",
	}
	if responseMinutes > 0 {
		req.ResponseTimeMinutes = &responseMinutes
	}
	return req
}

// awaitingSession drives a new session to awaiting_responses with the given candidates
func (f *fixture) awaitingSession(t *testing.T, orderID string, candidates ...CandidateInput) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	resp, err := f.svc.TriggerSourcing(ctx, triggerRequest(orderID))
	require.NoError(t, err)
	_, err = f.svc.GenerateShortlist(ctx, resp.ID, GenerateShortlistRequest{Candidates: candidates})
	require.NoError(t, err)
	_, err = f.svc.Broadcast(ctx, resp.ID, BroadcastRequest{Channels: f.channels})
	require.NoError(t, err)
	require.NoError(t, f.svc.Wait(ctx))
	f.publisher.reset()
	return resp.ID
}

// ==================== TriggerSourcing ====================

func TestService_TriggerSourcing(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.TriggerSourcing(context.Background(), triggerRequest("ORD-1"))
	require.NoError(t, err)

	assert.Equal(t, string(sourcing.StatusAnalyzing), resp.Status)
	assert.Equal(t, "ORD-1", resp.OrderID)
	assert.Equal(t, "normal", resp.Priority)
	require.NotNil(t, resp.Complexity)
	assert.Equal(t, []string{sourcing.EventTypeTriggerManual}, f.publisher.types())

	stored := f.store.session(resp.ID)
	assert.Equal(t, sourcing.StatusAnalyzing, stored.Status)
}

func TestService_TriggerSourcing_SecondActiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))

	_, err = f.svc.TriggerSourcing(ctx, triggerRequest("ORD-2"))
	assert.NoError(t, err)
}

func TestService_TriggerSourcing_ConcurrentCallsForSameOrder(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		ids       []uuid.UUID
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := f.svc.TriggerSourcing(context.Background(), triggerRequest("ORD-RACE"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if shared.ErrorCode(err) == shared.CodeConflict {
					conflicts++
				}
				return
			}
			ids = append(ids, resp.ID)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, callers-1, conflicts)
}

func TestService_TriggerSourcing_Validation(t *testing.T) {
	f := newFixture(t)

	req := triggerRequest("ORD-1")
	req.Order.EstimatedPrice = decimal.Zero
	_, err := f.svc.TriggerSourcing(context.Background(), req)
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))

	req = triggerRequest("ORD-1")
	req.Order.DeliveryAt = req.Order.PickupAt.Add(-time.Hour)
	_, err = f.svc.TriggerSourcing(context.Background(), req)
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
	assert.Empty(t, f.publisher.types())
}

func TestService_TriggerSourcing_RepositoryError(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("CreateIfNoActive", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	engine := scoring.MustNewEngine(scoring.DefaultConfig())
	pub := &recordingPublisher{}
	svc := NewService(repo, memProposals{newMemStore()}, new(MockComplianceChecker), newMemKV(), engine, zap.NewNop(),
		WithEventPublisher(pub))

	_, err := svc.TriggerSourcing(context.Background(), triggerRequest("ORD-1"))
	assert.EqualError(t, err, "connection refused")
	assert.Empty(t, pub.types())
	repo.AssertExpectations(t)
}

// ==================== GenerateShortlist ====================

func TestService_GenerateShortlist_FiltersThroughComplianceGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-b", false).Return(uninsuredRecord(t, "carrier-b"), nil)
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-c", false).
		Return(nil, shared.NewNotFoundError("vigilance record", "carrier-c"))

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	f.publisher.reset()

	resp, err := f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{
		strongCandidate("carrier-a"), plainCandidate("carrier-b"), plainCandidate("carrier-c"),
	}})
	require.NoError(t, err)

	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "carrier-a", resp.Candidates[0].CarrierID)
	require.NotNil(t, resp.Candidates[0].VigilanceScore)
	require.Len(t, resp.Rejected, 2)
	assert.Equal(t, "carrier-b", resp.Rejected[0].CarrierID)
	assert.Contains(t, resp.Rejected[0].Reasons, string(vigilance.ReasonInsuranceMissing))
	assert.Equal(t, "carrier-c", resp.Rejected[1].CarrierID)

	assert.Equal(t, []string{
		sourcing.EventTypeCarrierRejectedVigilance,
		sourcing.EventTypeCarrierRejectedVigilance,
		sourcing.EventTypeShortlistGenerated,
	}, f.publisher.types())

	stored := f.store.session(session.ID)
	assert.Equal(t, sourcing.StatusShortlistGenerated, stored.Status)
	assert.Equal(t, 2, stored.ComplianceRejections)
	require.NotNil(t, stored.ShortlistID)
	assert.Equal(t, resp.ShortlistID, *stored.ShortlistID)
}

func TestService_GenerateShortlist_NoEligibleCarrier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-b", false).Return(uninsuredRecord(t, "carrier-b"), nil)

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	f.publisher.reset()

	_, err = f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{plainCandidate("carrier-b")}})
	assert.Equal(t, shared.CodeIneligible, shared.ErrorCode(err))

	stored := f.store.session(session.ID)
	assert.Equal(t, sourcing.StatusAnalyzing, stored.Status)
	assert.Zero(t, stored.ComplianceRejections)
	assert.Empty(t, f.publisher.types())
}

func TestService_GenerateShortlist_ComplianceUnavailableIsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-x", false).Return(nil, errors.New("provider timeout"))

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)

	resp, err := f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{
		strongCandidate("carrier-a"), plainCandidate("carrier-x"),
	}})
	require.NoError(t, err)
	assert.Len(t, resp.Candidates, 1)
	assert.Empty(t, resp.Rejected)
	assert.Len(t, resp.Warnings, 1)
}

func TestService_GenerateShortlist_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GenerateShortlist(context.Background(), uuid.New(), GenerateShortlistRequest{})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// ==================== Broadcast ====================

func TestService_Broadcast_ExchangeAndDirectChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	f.dispatcher.report = DispatchReport{Sent: 2}

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{
		strongCandidate("carrier-a"), strongCandidate("carrier-b"),
	}})
	require.NoError(t, err)
	f.publisher.reset()

	deadline := testNow.Add(24 * time.Hour)
	resp, err := f.svc.Broadcast(ctx, session.ID, BroadcastRequest{
		Channels: []string{"email", "exchange", "email"},
		Deadline: &deadline,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Wait(ctx))

	assert.Equal(t, []string{"email", "exchange"}, resp.Channels)
	assert.Equal(t, 2, resp.Recipients)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, []string{sourcing.EventTypeBroadcasted}, f.publisher.types())

	key := ExchangeOfferPrefix + session.ID.String()
	require.True(t, f.kv.has(key))
	assert.Equal(t, 24*time.Hour, f.kv.ttls[key])

	require.Len(t, f.dispatcher.calls, 1)
	opp := f.dispatcher.calls[0]
	assert.Equal(t, []sourcing.Channel{sourcing.ChannelEmail}, opp.Channels)
	assert.Len(t, opp.Recipients, 2)
	assert.Equal(t, resp.BroadcastID, opp.BroadcastID)

	stored := f.store.session(session.ID)
	assert.Equal(t, sourcing.StatusAwaitingResponses, stored.Status)
	assert.Equal(t, 2, stored.Broadcast.Stats.Delivered)
	assert.Zero(t, stored.Broadcast.Stats.Failed)
}

func TestService_Broadcast_DispatchFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	f.dispatcher.err = errors.New("smtp unavailable")

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{
		strongCandidate("carrier-a"), strongCandidate("carrier-b"),
	}})
	require.NoError(t, err)

	resp, err := f.svc.Broadcast(ctx, session.ID, BroadcastRequest{Channels: []string{"email", "sms"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.Wait(ctx))
	assert.Empty(t, resp.Warnings)

	stored := f.store.session(session.ID)
	assert.Equal(t, sourcing.StatusAwaitingResponses, stored.Status)
	assert.Equal(t, 4, stored.Broadcast.Stats.Failed)
	assert.Zero(t, stored.Broadcast.Stats.Delivered)
}

func TestService_Broadcast_ExchangeFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	f.kv.putErr = errors.New("redis down")

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{strongCandidate("carrier-a")}})
	require.NoError(t, err)

	resp, err := f.svc.Broadcast(ctx, session.ID, BroadcastRequest{Channels: []string{"exchange"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"freight exchange publication failed"}, resp.Warnings)
	assert.Empty(t, f.dispatcher.calls)
	assert.Equal(t, sourcing.StatusAwaitingResponses, f.store.session(session.ID).Status)
}

func TestService_Broadcast_BeforeShortlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.Broadcast(ctx, session.ID, BroadcastRequest{Channels: []string{"email"}})
	assert.Equal(t, shared.CodeInvalidState, shared.ErrorCode(err))
}

// ==================== SubmitProposal ====================

func TestService_SubmitProposal_ScoresWithShortlistData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	res, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)

	assert.Equal(t, "Carrier carrier-a", res.Proposal.CarrierName)
	assert.Equal(t, 100, res.Score.Breakdown.Price)
	assert.Equal(t, 100, res.Score.Breakdown.Distance)
	assert.Equal(t, 100, res.Score.Breakdown.Reactivity)
	assert.GreaterOrEqual(t, res.Score.Total, 85)
	assert.True(t, res.Proposal.PriceVariationPct.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, res.Score.Total, res.Proposal.Score)
	assert.Equal(t, []string{sourcing.EventTypeCarrierResponded}, f.publisher.types())

	stored := f.store.session(sessionID)
	assert.Equal(t, 1, stored.ResponseCount)
	assert.Equal(t, 1, f.store.proposalCount())
}

func TestService_SubmitProposal_DuplicateCarrier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 900, 3))
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
	assert.Equal(t, 1, f.store.proposalCount())
}

func TestService_SubmitProposal_ComplianceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-z", false).Return(uninsuredRecord(t, "carrier-z"), nil)
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-z", 800, 3))
	require.Error(t, err)
	assert.Equal(t, shared.CodeComplianceRejected, shared.ErrorCode(err))
	var de *shared.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{string(vigilance.ReasonInsuranceMissing)}, de.Details["reasons"])

	stored := f.store.session(sessionID)
	assert.Equal(t, 1, stored.ComplianceRejections)
	assert.Zero(t, stored.ResponseCount)
	assert.Zero(t, f.store.proposalCount())
	assert.Equal(t, []string{sourcing.EventTypeCarrierRejectedVigilance}, f.publisher.types())
}

func TestService_SubmitProposal_ComplianceUnavailableScoresNeutral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-a", false).Return(compliantRecord(t, "carrier-a"), nil).Once()
	sessionID := f.awaitingSession(t, "ORD-1", plainCandidate("carrier-a"))
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-q", false).Return(nil, errors.New("provider timeout"))

	res, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-q", 1000, 0))
	require.NoError(t, err)
	assert.Equal(t, scoring.NeutralScore, res.Score.Breakdown.Vigilance)
	assert.Len(t, res.Warnings, 1)
}

func TestService_SubmitProposal_SessionNotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, session.ID, proposalRequest("carrier-a", 950, 3))
	assert.Equal(t, shared.CodeInvalidState, shared.ErrorCode(err))

	_, err = f.svc.CancelSession(ctx, session.ID, "order withdrawn")
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, session.ID, proposalRequest("carrier-a", 950, 3))
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
}

func TestService_SubmitProposal_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	req := proposalRequest("carrier-a", 950, 3)
	req.DeliveryDate = req.PickupDate.Add(-time.Hour)
	_, err := f.svc.SubmitProposal(context.Background(), sessionID, req)
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
	assert.Zero(t, f.store.proposalCount())
}

// ==================== RunSelection ====================

func TestService_RunSelection_AutoAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	f.channels = []string{"email", "exchange"}
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), plainCandidate("carrier-b"))
	require.True(t, f.kv.has(ExchangeOfferPrefix+sessionID.String()))

	a, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	b, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 1000, 0))
	require.NoError(t, err)
	f.publisher.reset()

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)

	assert.True(t, res.Decision.CanAutoAccept)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, a.Proposal.ID, res.Accepted.ID)
	assert.Equal(t, string(sourcing.ProposalAccepted), res.Accepted.Status)
	assert.Equal(t, string(sourcing.StatusAssigned), res.Session.Status)
	require.NotNil(t, res.Session.Assignment)
	assert.True(t, res.Session.Assignment.FinalPrice.Equal(decimal.NewFromInt(950)))
	assert.Equal(t, []string{sourcing.EventTypeBestCarrierSelected, sourcing.EventTypeOrderAssigned}, f.publisher.types())

	loser, err := f.svc.GetProposal(ctx, sessionID, b.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.ProposalRejected), loser.Status)
	assert.Equal(t, sourcing.RejectionReasonOtherSelected, loser.RejectionReason)

	require.NotNil(t, res.Tracking)
	tracking, err := f.svc.GetTracking(ctx, res.Session.Assignment.TrackingRef)
	require.NoError(t, err)
	assert.Equal(t, "carrier-a", tracking.CarrierID)
	assert.Equal(t, string(sourcing.StatusAssigned), tracking.Status)

	assert.False(t, f.kv.has(ExchangeOfferPrefix+sessionID.String()))
}

func TestService_RunSelection_CounterOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1300, 3))
	require.NoError(t, err)
	f.publisher.reset()

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)

	assert.False(t, res.Decision.CanAutoAccept)
	assert.Nil(t, res.Accepted)
	require.NotNil(t, res.CounterOffer)
	assert.Equal(t, string(sourcing.ProposalNegotiating), res.CounterOffer.Status)
	require.NotNil(t, res.CounterOffer.CounterOffer)
	assert.Equal(t, 5, res.CounterOffer.CounterOffer.TargetVariationPct)
	assert.True(t, res.CounterOffer.CounterOffer.CounterPrice.Equal(decimal.NewFromInt(1050)))
	assert.Equal(t, string(sourcing.StatusSelecting), res.Session.Status)
	assert.Equal(t, []string{sourcing.EventTypeBestCarrierSelected, sourcing.EventTypeCounterOfferSent}, f.publisher.types())
	assert.Nil(t, res.Tracking)
}

func TestService_RunSelection_NoLiveProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	req := proposalRequest("carrier-a", 950, 3)
	expired := testNow.Add(-time.Minute)
	req.ExpiresAt = &expired
	_, err := f.svc.SubmitProposal(ctx, sessionID, req)
	require.NoError(t, err)
	before := f.store.session(sessionID)
	f.publisher.reset()

	_, err = f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	assert.Equal(t, shared.CodeIneligible, shared.ErrorCode(err))

	after := f.store.session(sessionID)
	assert.Equal(t, sourcing.StatusAwaitingResponses, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, f.publisher.types())
}

func TestService_RunSelection_BelowMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", plainCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 2000, 0))
	require.NoError(t, err)

	_, err = f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	assert.Equal(t, shared.CodeIneligible, shared.ErrorCode(err))
	assert.Equal(t, sourcing.StatusAwaitingResponses, f.store.session(sessionID).Status)
}

func TestService_RunSelection_ThresholdOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", plainCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1000, 0))
	require.NoError(t, err)

	_, err = f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{Thresholds: &ThresholdsInput{
		AutoAcceptScore: 50, MinAcceptableScore: 70, PriceTolerancePercent: 15,
	}})
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{Thresholds: &ThresholdsInput{
		AutoAcceptScore: 70, MinAcceptableScore: 50, PriceTolerancePercent: 15,
	}})
	require.NoError(t, err)
	assert.NotNil(t, res.Accepted)
	assert.Equal(t, string(sourcing.StatusAssigned), res.Session.Status)
}

func TestService_RunSelection_ManualReviewThenAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", plainCandidate("carrier-a"))

	p, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1000, 0))
	require.NoError(t, err)
	require.Less(t, p.Score.Total, scoring.DefaultAutoAcceptScore)

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)
	assert.Nil(t, res.Accepted)
	assert.Nil(t, res.CounterOffer)
	assert.Equal(t, string(sourcing.StatusSelecting), res.Session.Status)

	final := decimal.NewFromInt(980)
	assigned, err := f.svc.Assign(ctx, sessionID, AssignRequest{
		ProposalID:    &p.Proposal.ID,
		FinalPrice:    &final,
		TrackingLevel: "gps",
	})
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusAssigned), assigned.Session.Status)
	assert.Equal(t, "gps", assigned.Session.Assignment.TrackingLevel)
	assert.True(t, assigned.Session.Assignment.FinalPrice.Equal(final))
	require.NotNil(t, assigned.Tracking)
	assert.True(t, f.kv.has(TrackingPrefix+assigned.Tracking.TrackingRef))
}

func TestService_RunSelection_RefreshComplianceDisqualifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-a", false).Return(compliantRecord(t, "carrier-a"), nil)
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-b", false).Return(compliantRecord(t, "carrier-b"), nil)
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-a", true).Return(uninsuredRecord(t, "carrier-a"), nil)
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-b", true).Return(compliantRecord(t, "carrier-b"), nil)
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), strongCandidate("carrier-b"))

	a, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 900, 3))
	require.NoError(t, err)
	b, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 950, 3))
	require.NoError(t, err)
	f.publisher.reset()

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{RefreshCompliance: true})
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, b.Proposal.ID, res.Accepted.ID)

	rejected, err := f.svc.GetProposal(ctx, sessionID, a.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.ProposalRejected), rejected.Status)
	assert.Contains(t, rejected.RejectionReason, string(vigilance.ReasonInsuranceMissing))

	assert.Equal(t, []string{
		sourcing.EventTypeCarrierRejectedVigilance,
		sourcing.EventTypeBestCarrierSelected,
		sourcing.EventTypeOrderAssigned,
	}, f.publisher.types())
	assert.Equal(t, 1, f.store.session(sessionID).ComplianceRejections)
}

func TestService_RunSelection_AlreadyAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)

	_, err = f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
}

// ==================== Assign ====================

func TestService_Assign_FromAwaitingByCarrier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), plainCandidate("carrier-b"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 1000, 0))
	require.NoError(t, err)
	f.publisher.reset()

	res, err := f.svc.Assign(ctx, sessionID, AssignRequest{CarrierID: "carrier-b"})
	require.NoError(t, err)

	assert.Equal(t, "carrier-b", res.Proposal.CarrierID)
	assert.Equal(t, string(sourcing.ProposalAccepted), res.Proposal.Status)
	assert.Equal(t, "basic", res.Session.Assignment.TrackingLevel)
	require.NotNil(t, res.Session.Selection)
	assert.True(t, res.Session.Selection.Manual)
	assert.Equal(t, []string{sourcing.EventTypeBestCarrierSelected, sourcing.EventTypeOrderAssigned}, f.publisher.types())

	proposals, err := f.svc.ListProposals(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, string(sourcing.ProposalRejected), proposals[0].Status)
}

func TestService_Assign_WinnerNoLongerCompliant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-a", false).Return(compliantRecord(t, "carrier-a"), nil).Times(2)
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	p, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1000, 3))
	require.NoError(t, err)
	f.compliance.On("CheckCompliance", mock.Anything, "carrier-a", false).Return(uninsuredRecord(t, "carrier-a"), nil)

	_, err = f.svc.Assign(ctx, sessionID, AssignRequest{ProposalID: &p.Proposal.ID})
	assert.Equal(t, shared.CodeComplianceRejected, shared.ErrorCode(err))

	stored := f.store.session(sessionID)
	assert.Equal(t, sourcing.StatusAwaitingResponses, stored.Status)
	assert.Nil(t, stored.Assignment)
	proposal, err := f.svc.GetProposal(ctx, sessionID, p.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.ProposalRejected), proposal.Status)
}

func TestService_Assign_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))
	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)

	missing := uuid.New()
	tests := []struct {
		name string
		req  AssignRequest
		code string
	}{
		{"no selector", AssignRequest{}, shared.CodeInvalidInput},
		{"unknown proposal", AssignRequest{ProposalID: &missing}, shared.CodeNotFound},
		{"unknown carrier", AssignRequest{CarrierID: "carrier-x"}, shared.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Assign(ctx, sessionID, tt.req)
			assert.Equal(t, tt.code, shared.ErrorCode(err))
		})
	}
	assert.Equal(t, sourcing.StatusAwaitingResponses, f.store.session(sessionID).Status)
}

// ==================== Lifecycle ====================

// acceptanceRace starts every call at once and returns the number of
// successes and the error codes of the failures
func acceptanceRace(calls ...func() error) (int, []string) {
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		succeeded int
		codes     []string
	)
	for _, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := call()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				codes = append(codes, shared.ErrorCode(err))
				return
			}
			succeeded++
		}()
	}
	close(start)
	wg.Wait()
	return succeeded, codes
}

func (f *fixture) acceptedProposals(t *testing.T, sessionID uuid.UUID) []*sourcing.CarrierProposal {
	t.Helper()
	list, err := memProposals{f.store}.FindBySession(context.Background(), sessionID)
	require.NoError(t, err)
	accepted := make([]*sourcing.CarrierProposal, 0, 1)
	for _, p := range list {
		if p.Status == sourcing.ProposalAccepted {
			accepted = append(accepted, p)
		}
	}
	return accepted
}

func TestService_ConcurrentSelectionAndAssignForSameSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	sessionID := f.awaitingSession(t, "ORD-RACE", strongCandidate("carrier-a"), plainCandidate("carrier-b"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 1000, 0))
	require.NoError(t, err)

	const callers = 8
	calls := make([]func() error, 0, callers)
	for i := 0; i < callers; i++ {
		if i%2 == 0 {
			calls = append(calls, func() error {
				_, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
				return err
			})
			continue
		}
		calls = append(calls, func() error {
			_, err := f.svc.Assign(ctx, sessionID, AssignRequest{CarrierID: "carrier-b"})
			return err
		})
	}

	succeeded, codes := acceptanceRace(calls...)

	assert.Equal(t, 1, succeeded, "a session accepts a single winner")
	require.Len(t, codes, callers-1)
	for _, code := range codes {
		assert.Equal(t, shared.CodeConflict, code)
	}
	assert.Len(t, f.acceptedProposals(t, sessionID), 1)
	assert.Equal(t, sourcing.StatusAssigned, f.store.session(sessionID).Status)
}

func TestService_ConcurrentAssignAcrossInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	sessionID := f.awaitingSession(t, "ORD-RACE", strongCandidate("carrier-a"), plainCandidate("carrier-b"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 1000, 0))
	require.NoError(t, err)

	// a second process shares the store but not the in-memory session locks
	engine := scoring.MustNewEngine(scoring.DefaultConfig()).WithClock(func() time.Time { return testNow })
	other := NewService(memSessions{f.store}, memProposals{f.store}, f.compliance, f.kv, engine, zap.NewNop(),
		WithClock(func() time.Time { return testNow }))

	succeeded, codes := acceptanceRace(
		func() error {
			_, err := f.svc.Assign(ctx, sessionID, AssignRequest{CarrierID: "carrier-a"})
			return err
		},
		func() error {
			_, err := other.Assign(ctx, sessionID, AssignRequest{CarrierID: "carrier-b"})
			return err
		},
	)

	assert.Equal(t, 1, succeeded)
	require.Len(t, codes, 1)
	assert.Contains(t, []string{shared.CodeConflict, shared.CodeConcurrentModified}, codes[0],
		"the loser sees either the outcome or the version check")
	assert.Len(t, f.acceptedProposals(t, sessionID), 1)
}

func TestService_PickupDeliveryAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))
	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	sel, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)
	ref := sel.Session.Assignment.TrackingRef
	f.publisher.reset()

	_, err = f.svc.MarkDelivered(ctx, sessionID)
	assert.Equal(t, shared.CodeInvalidState, shared.ErrorCode(err))

	resp, err := f.svc.ConfirmPickup(ctx, sessionID, ConfirmPickupRequest{VehiclePlate: "AB-123-CD", DriverName: "J. Martin"})
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusInTransit), resp.Status)
	tracking, err := f.svc.GetTracking(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusInTransit), tracking.Status)
	assert.Equal(t, "AB-123-CD", tracking.VehiclePlate)

	resp, err = f.svc.MarkDelivered(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusDelivered), resp.Status)

	_, err = f.svc.CloseSession(ctx, sessionID, "")
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
	resp, err = f.svc.CloseSession(ctx, sessionID, "delivered and invoiced")
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusClosed), resp.Status)

	assert.Equal(t, []string{
		sourcing.EventTypeTrackingStart,
		sourcing.EventTypeOrderDelivered,
		sourcing.EventTypeOrderClosed,
	}, f.publisher.types())

	_, err = f.svc.GetActiveSession(ctx, "ORD-1")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	assert.NoError(t, err)
}

func TestService_CancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), strongCandidate("carrier-b"))
	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-b", 990, 3))
	require.NoError(t, err)
	f.publisher.reset()

	resp, err := f.svc.CancelSession(ctx, sessionID, "order withdrawn by shipper")
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusCancelled), resp.Status)
	assert.Equal(t, []string{sourcing.EventTypeSessionCancelled}, f.publisher.types())

	proposals, err := f.svc.ListProposals(ctx, sessionID)
	require.NoError(t, err)
	for _, p := range proposals {
		assert.Equal(t, string(sourcing.ProposalRejected), p.Status)
		assert.Equal(t, sourcing.RejectionReasonSessionEnded, p.RejectionReason)
	}

	_, err = f.svc.CancelSession(ctx, sessionID, "again")
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
	_, err = f.svc.FailSession(ctx, sessionID, "no carrier")
	assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
}

func TestService_FailSessionWithdrawsExchangeOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.GenerateShortlist(ctx, session.ID, GenerateShortlistRequest{Candidates: []CandidateInput{strongCandidate("carrier-a")}})
	require.NoError(t, err)
	_, err = f.svc.Broadcast(ctx, session.ID, BroadcastRequest{Channels: []string{"exchange"}})
	require.NoError(t, err)
	key := ExchangeOfferPrefix + session.ID.String()
	require.True(t, f.kv.has(key))
	assert.Equal(t, DefaultConfig().ExchangeOfferTTL, f.kv.ttls[key])

	resp, err := f.svc.FailSession(ctx, session.ID, "no response before deadline")
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.StatusFailed), resp.Status)
	assert.False(t, f.kv.has(key))
}

// ==================== Queries ====================

func TestService_ListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		_, err := f.svc.TriggerSourcing(ctx, triggerRequest(id))
		require.NoError(t, err)
	}

	page, err := f.svc.ListSessions(ctx, ListSessionsFilter{OrganizationID: "org-1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 2)

	page, err = f.svc.ListSessions(ctx, ListSessionsFilter{OrganizationID: "org-other"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	_, err = f.svc.TriggerSourcing(ctx, triggerRequest("ORD-2"))
	require.NoError(t, err)
	_, err = f.svc.CancelSession(ctx, first.ID, "duplicate order")
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, StatsFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(2), stats.ByTrigger[sourcing.TriggerManual])
	assert.Zero(t, stats.SuccessRate)
}

type staticHistory struct {
	events []shared.DomainEvent
	limit  int
}

func (h *staticHistory) ForAggregate(_ uuid.UUID, limit int) []shared.DomainEvent {
	h.limit = limit
	return h.events
}

func TestService_RecentEvents(t *testing.T) {
	history := &staticHistory{}
	f := newFixture(t, WithEventHistory(history))
	ctx := context.Background()

	session, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-1"))
	require.NoError(t, err)
	f.publisher.mu.Lock()
	history.events = append(history.events, f.publisher.events...)
	f.publisher.mu.Unlock()

	events, err := f.svc.RecentEvents(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sourcing.EventTypeTriggerManual, events[0].Type)
	assert.Equal(t, session.ID, events[0].AggregateID)
	assert.Equal(t, defaultEventLimit, history.limit)

	_, err = f.svc.RecentEvents(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func putOffer(t *testing.T, kv *memKV, offer ExchangeOffer) {
	t.Helper()
	data, err := json.Marshal(offer)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), ExchangeOfferPrefix+offer.SessionID.String(), data, time.Hour))
}

func TestService_ListExchangeOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offers := []ExchangeOffer{
		{SessionID: uuid.New(), Route: sourcing.Route{OriginCity: "Lyon", DestinationCity: "Paris"}, EstimatedPrice: decimal.NewFromInt(1000), WeightKg: 8000, PickupAt: testNow.Add(48 * time.Hour)},
		{SessionID: uuid.New(), Route: sourcing.Route{OriginCity: "Lyon", DestinationCity: "Lille"}, EstimatedPrice: decimal.NewFromInt(1500), WeightKg: 20000, PickupAt: testNow.Add(24 * time.Hour)},
		{SessionID: uuid.New(), Route: sourcing.Route{OriginCity: "Marseille", DestinationCity: "Paris"}, EstimatedPrice: decimal.NewFromInt(700), WeightKg: 3000, PickupAt: testNow.Add(72 * time.Hour)},
	}
	for _, o := range offers {
		putOffer(t, f.kv, o)
	}
	require.NoError(t, f.kv.Put(ctx, ExchangeOfferPrefix+"broken", []byte("{"), time.Hour))

	all, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	require.Len(t, all.Items, 3)
	assert.Equal(t, offers[1].SessionID, all.Items[0].SessionID, "soonest pickup first")

	lyon, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{OriginCity: "lyon"})
	require.NoError(t, err)
	assert.Equal(t, 2, lyon.Total)

	maxPrice := 1200.0
	maxWeight := 10000.0
	cheap, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{MaxPrice: &maxPrice, MaxWeightKg: &maxWeight})
	require.NoError(t, err)
	assert.Equal(t, 2, cheap.Total)

	paged, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Total)
	require.Len(t, paged.Items, 1)
	assert.Equal(t, offers[2].SessionID, paged.Items[0].SessionID)

	beyond, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)

	negative, err := f.svc.ListExchangeOffers(ctx, ExchangeFilter{Offset: -5, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, negative.Offset, "a negative offset starts at the first offer")
	require.Len(t, negative.Items, 2)
	assert.Equal(t, offers[1].SessionID, negative.Items[0].SessionID)
}

func TestService_GetTracking_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTracking(context.Background(), "TRK-000000000000")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.GetTracking(context.Background(), " ")
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
}

func TestService_ReviseProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))
	p, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1300, 3))
	require.NoError(t, err)
	sel, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)
	require.NotNil(t, sel.CounterOffer)

	revised, err := f.svc.ReviseProposal(ctx, sessionID, p.Proposal.ID, ReviseProposalRequest{
		ProposedPrice: decimal.NewFromInt(1050),
		Message:       "accepting your counter-offer",
	})
	require.NoError(t, err)
	assert.True(t, revised.Proposal.PriceVariationPct.Equal(decimal.NewFromInt(5)))
	assert.Greater(t, revised.Score.Total, p.Score.Total)
	last := revised.Proposal.NegotiationHistory[len(revised.Proposal.NegotiationHistory)-1]
	assert.Equal(t, sourcing.NegotiationRevision, last.Kind)
	assert.Equal(t, sourcing.ActorCarrier, last.Actor)

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.True(t, res.Session.Assignment.FinalPrice.Equal(decimal.NewFromInt(1050)))

	_, err = f.svc.ReviseProposal(ctx, uuid.New(), p.Proposal.ID, ReviseProposalRequest{ProposedPrice: decimal.NewFromInt(1000)})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCityKey(t *testing.T) {
	assert.Equal(t, cityKey("saint-etienne"), cityKey("Saint-Étienne"))
	assert.Equal(t, cityKey("Orléans"), cityKey("  ORLEANS "))
	assert.NotEqual(t, cityKey("Lyon"), cityKey("Lille"))
}

func TestService_RunSelection_ExpiresLapsedProposals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), plainCandidate("carrier-b"))

	_, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	req := proposalRequest("carrier-b", 900, 0)
	lapsed := testNow.Add(-time.Minute)
	req.ExpiresAt = &lapsed
	b, err := f.svc.SubmitProposal(ctx, sessionID, req)
	require.NoError(t, err)

	res, err := f.svc.RunSelection(ctx, sessionID, RunSelectionRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Accepted)
	assert.Equal(t, 1, res.Decision.Excluded)

	stored, err := f.svc.GetProposal(ctx, sessionID, b.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, string(sourcing.ProposalExpired), stored.Status)
	assert.Empty(t, stored.RejectionReason)
}

// ==================== Negotiation messages ====================

func TestService_PostMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))
	p, err := f.svc.SubmitProposal(ctx, sessionID, proposalRequest("carrier-a", 1300, 3))
	require.NoError(t, err)

	resp, err := f.svc.PostMessage(ctx, sessionID, p.Proposal.ID, PostMessageRequest{
		Actor:   sourcing.ActorShipper,
		Message: "can you load at 7am?",
	})
	require.NoError(t, err)
	require.Len(t, resp.NegotiationHistory, 2)
	last := resp.NegotiationHistory[1]
	assert.Equal(t, sourcing.NegotiationMessage, last.Kind)
	assert.Equal(t, sourcing.ActorShipper, last.Actor)
	assert.Nil(t, last.Price)

	stored, err := f.svc.GetProposal(ctx, sessionID, p.Proposal.ID)
	require.NoError(t, err)
	assert.Len(t, stored.NegotiationHistory, 2)

	t.Run("blank message", func(t *testing.T) {
		_, err := f.svc.PostMessage(ctx, sessionID, p.Proposal.ID, PostMessageRequest{Actor: sourcing.ActorCarrier, Message: "  "})
		assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
	})

	t.Run("system actor is reserved", func(t *testing.T) {
		_, err := f.svc.PostMessage(ctx, sessionID, p.Proposal.ID, PostMessageRequest{Actor: sourcing.ActorSystem, Message: "hello"})
		assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
	})

	t.Run("proposal of another session", func(t *testing.T) {
		other := f.awaitingSession(t, "ORD-2", strongCandidate("carrier-a"))
		_, err := f.svc.PostMessage(ctx, other, p.Proposal.ID, PostMessageRequest{Actor: sourcing.ActorCarrier, Message: "hello"})
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("ended session", func(t *testing.T) {
		_, err := f.svc.CancelSession(ctx, sessionID, "order withdrawn")
		require.NoError(t, err)
		_, err = f.svc.PostMessage(ctx, sessionID, p.Proposal.ID, PostMessageRequest{Actor: sourcing.ActorCarrier, Message: "still there?"})
		assert.Equal(t, shared.CodeConflict, shared.ErrorCode(err))
	})
}

// ==================== Dashboards ====================

func TestService_CarrierStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")

	first := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"), plainCandidate("carrier-b"))
	_, err := f.svc.SubmitProposal(ctx, first, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.SubmitProposal(ctx, first, proposalRequest("carrier-b", 1000, 0))
	require.NoError(t, err)
	_, err = f.svc.RunSelection(ctx, first, RunSelectionRequest{})
	require.NoError(t, err)

	second := f.awaitingSession(t, "ORD-2", strongCandidate("carrier-a"))
	_, err = f.svc.SubmitProposal(ctx, second, proposalRequest("carrier-a", 1300, 7))
	require.NoError(t, err)

	stats, err := f.svc.CarrierStats(ctx, " carrier-a ")
	require.NoError(t, err)
	assert.Equal(t, "carrier-a", stats.CarrierID)
	assert.Equal(t, int64(2), stats.TotalProposals)
	assert.Equal(t, int64(1), stats.AcceptedProposals)
	assert.Equal(t, 50, stats.AcceptanceRate)
	assert.Equal(t, 5, stats.AverageResponseMinutes)
	assert.Positive(t, stats.AverageScore)
	require.NotNil(t, stats.LastProposalAt)

	unknown, err := f.svc.CarrierStats(ctx, "carrier-z")
	require.NoError(t, err)
	assert.Zero(t, unknown.TotalProposals)

	_, err = f.svc.CarrierStats(ctx, "")
	assert.Equal(t, shared.CodeInvalidInput, shared.ErrorCode(err))
}

func TestService_KPIs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a", "carrier-b")

	assigned := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))
	_, err := f.svc.SubmitProposal(ctx, assigned, proposalRequest("carrier-a", 950, 3))
	require.NoError(t, err)
	_, err = f.svc.RunSelection(ctx, assigned, RunSelectionRequest{})
	require.NoError(t, err)

	waiting := f.awaitingSession(t, "ORD-2", plainCandidate("carrier-b"))
	_, err = f.svc.SubmitProposal(ctx, waiting, proposalRequest("carrier-b", 1100, 0))
	require.NoError(t, err)

	old, err := f.svc.TriggerSourcing(ctx, triggerRequest("ORD-3"))
	require.NoError(t, err)
	_, err = f.svc.CancelSession(ctx, old.ID, "duplicate")
	require.NoError(t, err)
	f.store.mu.Lock()
	backdated := f.store.sessions[old.ID]
	backdated.CreatedAt = testNow.Add(-48 * time.Hour)
	f.store.sessions[old.ID] = backdated
	f.store.mu.Unlock()

	kpis, err := f.svc.KPIs(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), kpis.TodaySessions)
	assert.Equal(t, int64(1), kpis.TodayAssigned)
	assert.Equal(t, 50, kpis.TodaySuccessRate)
	assert.Equal(t, int64(2), kpis.ActiveSessions)
	assert.Equal(t, int64(1), kpis.PendingProposals)

	empty, err := f.svc.KPIs(ctx, "org-unknown")
	require.NoError(t, err)
	assert.Zero(t, empty.TodaySessions)
	assert.Zero(t, empty.TodaySuccessRate)
}

func TestService_GetExchangeOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.compliant(t, "carrier-a")
	f.channels = []string{"exchange"}
	sessionID := f.awaitingSession(t, "ORD-1", strongCandidate("carrier-a"))

	offer, err := f.svc.GetExchangeOffer(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, offer.SessionID)
	assert.Equal(t, "ORD-1", offer.OrderID)
	assert.Equal(t, "Lyon", offer.Route.OriginCity)

	_, err = f.svc.CancelSession(ctx, sessionID, "order withdrawn")
	require.NoError(t, err)
	_, err = f.svc.GetExchangeOffer(ctx, sessionID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, f.kv.Put(ctx, ExchangeOfferPrefix+sessionID.String(), []byte("{"), time.Hour))
	_, err = f.svc.GetExchangeOffer(ctx, sessionID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrNotFound)
}
