package detector

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tank-monitor/etl/internal/domain"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		StartThresholdPP:    decimal.NewFromInt(10),
		MinDurationToOpen:   2 * time.Minute,
		StopThresholdPP:     decimal.NewFromInt(3),
		JumpThresholdPP:     decimal.NewFromInt(20),
		ReversalWindow:      10 * time.Minute,
		ReversalTolerancePP: decimal.NewFromInt(3),
		ExitRadiusM:         150,
		StopSpeedKmh:        2,
		MaxSessionDuration:  2 * time.Hour,
		StaleWindow:         20 * time.Minute,
		StaleEpsilonPP:      decimal.RequireFromString("0.5"),
		IdleGapReset:        30 * time.Minute,
		MinSessionDuration:  2 * time.Minute,
		MinSessionDeltaPP:   decimal.NewFromInt(5),
	}
}

// fakeSessionStore enforces the at-most-one-open invariant in memory.
type fakeSessionStore struct {
	sessions map[uuid.UUID]*domain.Session
	openByID map[string]uuid.UUID
	canceled int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*domain.Session),
		openByID: make(map[string]uuid.UUID),
	}
}

func (f *fakeSessionStore) OpenSession(_ context.Context, vehicleID string, kind domain.SessionKind, t time.Time, level decimal.Decimal, lat, lon *float64) (uuid.UUID, bool, error) {
	if _, open := f.openByID[vehicleID]; open {
		return uuid.Nil, false, nil
	}
	id := uuid.New()
	f.sessions[id] = &domain.Session{
		ID:                 id,
		VehicleID:          vehicleID,
		Kind:               kind,
		StartTime:          t,
		StartLevel:         level,
		StartLat:           lat,
		StartLon:           lon,
		LastTouchTime:      t,
		LastLevel:          level,
		DistinctPointCount: 1,
	}
	f.openByID[vehicleID] = id
	return id, true, nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, id uuid.UUID, t time.Time, level decimal.Decimal, distinct bool) error {
	s, ok := f.sessions[id]
	if !ok || s.EndTime != nil {
		return nil
	}
	s.LastTouchTime = t
	s.LastLevel = level
	if distinct {
		s.DistinctPointCount++
	}
	return nil
}

func (f *fakeSessionStore) FinalizeSession(_ context.Context, id uuid.UUID, end time.Time) error {
	s, ok := f.sessions[id]
	if !ok || s.EndTime != nil {
		return nil
	}
	s.EndTime = &end
	delete(f.openByID, s.VehicleID)
	return nil
}

func (f *fakeSessionStore) CancelSession(_ context.Context, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok || s.EndTime != nil {
		return nil
	}
	delete(f.sessions, id)
	delete(f.openByID, s.VehicleID)
	f.canceled++
	return nil
}

func (f *fakeSessionStore) ResumeOpenSession(_ context.Context, vehicleID string) (*domain.Session, error) {
	id, ok := f.openByID[vehicleID]
	if !ok {
		return nil, nil
	}
	copy := *f.sessions[id]
	return &copy, nil
}

func (f *fakeSessionStore) LastSessionEnd(_ context.Context, vehicleID string) (*time.Time, error) {
	var last *time.Time
	for _, s := range f.sessions {
		if s.VehicleID != vehicleID || s.EndTime == nil {
			continue
		}
		if last == nil || s.EndTime.After(*last) {
			last = s.EndTime
		}
	}
	return last, nil
}

func ptr[T any](v T) *T { return &v }

func pt(minute int, level float64) Point {
	return Point{
		ID:    int64(minute + 1),
		Time:  t0.Add(time.Duration(minute) * time.Minute),
		Level: decimal.NewFromFloat(level),
		Lat:   ptr(10.0),
		Lon:   ptr(20.0),
	}
}

func run(t *testing.T, store SessionStore, pts []Point) *Result {
	t.Helper()
	res, err := New(testConfig(), store, zap.NewNop()).Run(context.Background(), "TRUCK-1", pts)
	require.NoError(t, err)
	return res
}

func TestDrainOpensAfterBothThresholds(t *testing.T) {
	store := newFakeSessionStore()
	res := run(t, store, []Point{
		pt(0, 80), pt(1, 75), pt(2, 70), pt(3, 60),
	})

	require.Equal(t, 1, res.Opened)
	require.Equal(t, 1, res.Finalized)
	require.Len(t, store.sessions, 1)
	for _, s := range store.sessions {
		assert.Equal(t, domain.SessionDrain, s.Kind)
		assert.True(t, s.StartLevel.Equal(decimal.NewFromInt(80)))
		assert.True(t, s.LastLevel.Equal(decimal.NewFromInt(60)))
		assert.Equal(t, t0, s.StartTime)
		require.NotNil(t, s.EndTime)
		assert.Equal(t, t0.Add(3*time.Minute), *s.EndTime)
	}
}

func TestNoOpenWhenElapsedRequirementUnmet(t *testing.T) {
	store := newFakeSessionStore()

	// Delta crosses the threshold within a minute; elapsed never reaches
	// the minimum, so no session may open.
	pts := []Point{
		{ID: 1, Time: t0, Level: decimal.NewFromInt(80)},
		{ID: 2, Time: t0.Add(30 * time.Second), Level: decimal.NewFromInt(70)},
		{ID: 3, Time: t0.Add(60 * time.Second), Level: decimal.NewFromInt(60)},
	}
	res := run(t, store, pts)

	assert.Equal(t, 0, res.Opened)
	assert.Empty(t, store.sessions)
}

func TestAntiSpikeDropsJumpThatReverts(t *testing.T) {
	store := newFakeSessionStore()
	res := run(t, store, []Point{
		pt(0, 70), pt(1, 95), pt(2, 71), pt(3, 70),
	})

	assert.Equal(t, 0, res.Opened)
	assert.Empty(t, store.sessions)
}

func TestSpikeThatSticksIsKept(t *testing.T) {
	d := New(testConfig(), newFakeSessionStore(), zap.NewNop())
	pts := d.dropSpikes([]Point{pt(0, 70), pt(1, 95), pt(2, 94), pt(3, 95)})
	require.Len(t, pts, 4)
}

func TestGeofenceExitFinalizesAndBlocksUntilStopped(t *testing.T) {
	store := newFakeSessionStore()

	far := Point{ID: 50, Time: t0.Add(4 * time.Minute), Level: decimal.NewFromInt(66),
		Lat: ptr(10.01), Lon: ptr(20.0)} // ~1.1 km from anchor

	moving := Point{ID: 51, Time: t0.Add(5 * time.Minute), Level: decimal.NewFromInt(64),
		Lat: ptr(10.01), Lon: ptr(20.0), Speed: ptr(50.0)}

	stoppedPt := Point{ID: 52, Time: t0.Add(6 * time.Minute), Level: decimal.NewFromInt(64),
		Lat: ptr(10.02), Lon: ptr(20.0), Speed: ptr(1.0)}

	// After the stop the level drops 14pp over two minutes: a second drain.
	second1 := Point{ID: 53, Time: t0.Add(8 * time.Minute), Level: decimal.NewFromInt(50),
		Lat: ptr(10.02), Lon: ptr(20.0), Speed: ptr(0.0)}

	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(3, 68),
		far, moving, stoppedPt, second1,
	})

	// First session finalized by the geofence exit, second opened after the
	// vehicle was observed stopped.
	require.Equal(t, 1, res.Finalized)
	require.Equal(t, 2, res.Opened)
	require.Len(t, store.sessions, 2)

	var finalized *domain.Session
	for _, s := range store.sessions {
		if s.EndTime != nil {
			finalized = s
		}
	}
	require.NotNil(t, finalized)
	// Finalized at its last touch, before the exit point; the far point and
	// the moving point never touched it.
	assert.Equal(t, t0.Add(3*time.Minute), *finalized.EndTime)
	assert.True(t, finalized.LastLevel.Equal(decimal.NewFromInt(68)))
}

func TestValidationGateCancelsSingleDistinctTouch(t *testing.T) {
	store := newFakeSessionStore()

	// The level steps down 10pp once and then never moves again: opens,
	// then goes stale with a single distinct touch.
	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(4, 70), pt(30, 70),
	})

	assert.Equal(t, 1, res.Opened)
	assert.Equal(t, 1, res.Canceled)
	assert.Equal(t, 0, res.Finalized)
	assert.Equal(t, 1, store.canceled)
	assert.Empty(t, store.sessions)
}

func TestTrendReversalFinalizesDrain(t *testing.T) {
	store := newFakeSessionStore()

	// Drain opens at 70, touches 69, then the level shoots back above the
	// start level past the stop threshold.
	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(3, 69), pt(4, 84), pt(5, 84),
	})

	require.Equal(t, 1, res.Finalized)
	for _, s := range store.sessions {
		require.NotNil(t, s.EndTime)
		assert.True(t, s.LastLevel.Equal(decimal.NewFromInt(69)))
	}
}

func TestFillSessionOpensOnRisingTrend(t *testing.T) {
	store := newFakeSessionStore()
	res := run(t, store, []Point{
		pt(0, 20), pt(2, 31), pt(3, 40), pt(4, 55),
	})

	require.Equal(t, 1, res.Opened)
	require.Equal(t, 1, res.Finalized)
	for _, s := range store.sessions {
		assert.Equal(t, domain.SessionFill, s.Kind)
	}
}

func TestEndOfInputLeavesUnprovenSessionOpenAndResumes(t *testing.T) {
	store := newFakeSessionStore()

	// Opens with a single distinct touch; not enough evidence to finalize,
	// so it must stay open for the next cycle.
	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(3, 70),
	})
	require.Equal(t, 1, res.Opened)
	require.Equal(t, 0, res.Finalized)
	require.Equal(t, 0, res.Canceled)
	require.NotNil(t, res.OpenSession)
	require.Len(t, store.openByID, 1)

	// Next cycle: the detector resumes the persisted session and the trend
	// continues until it stands on its own.
	res2 := run(t, store, []Point{
		pt(3, 70), pt(4, 65), pt(5, 60),
	})
	assert.Equal(t, 0, res2.Opened)
	assert.Equal(t, 1, res2.Finalized)
	assert.Empty(t, store.openByID)
	for _, s := range store.sessions {
		require.NotNil(t, s.EndTime)
		assert.True(t, s.LastLevel.Equal(decimal.NewFromInt(60)))
	}
}

func TestClosedSessionInLookbackIsNotRedetected(t *testing.T) {
	store := newFakeSessionStore()

	// A drain already detected and finalized in an earlier pass.
	id, opened, err := store.OpenSession(context.Background(), "TRUCK-1",
		domain.SessionDrain, t0, decimal.NewFromInt(80), ptr(10.0), ptr(20.0))
	require.NoError(t, err)
	require.True(t, opened)
	require.NoError(t, store.TouchSession(context.Background(), id,
		t0.Add(3*time.Minute), decimal.NewFromInt(60), true))
	require.NoError(t, store.FinalizeSession(context.Background(), id, t0.Add(3*time.Minute)))

	// The same drain reappears in the replayed window ahead of fresh stable
	// readings; it must not produce a second session.
	res := run(t, store, []Point{
		pt(0, 80), pt(1, 75), pt(2, 70), pt(3, 60),
		pt(10, 60), pt(11, 60), pt(12, 60),
	})

	assert.Equal(t, 0, res.Opened)
	assert.Equal(t, 0, res.Finalized)
	require.Len(t, store.sessions, 1)
}

func TestResumedSessionSkipsReplayedPoints(t *testing.T) {
	store := newFakeSessionStore()

	// An unproven session left open by an earlier pass: one distinct
	// reading, last touched by the 70 at t0+3m.
	id, opened, err := store.OpenSession(context.Background(), "TRUCK-1",
		domain.SessionDrain, t0, decimal.NewFromInt(80), ptr(10.0), ptr(20.0))
	require.NoError(t, err)
	require.True(t, opened)
	require.NoError(t, store.TouchSession(context.Background(), id,
		t0.Add(3*time.Minute), decimal.NewFromInt(70), false))

	// The window replays the already-counted points plus one new same-level
	// reading. No new movement, so confidence must not grow and the session
	// must stay open.
	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(3, 70), pt(4, 70),
	})

	assert.Equal(t, 0, res.Opened)
	assert.Equal(t, 0, res.Finalized)
	require.NotNil(t, res.OpenSession)
	assert.Equal(t, 1, res.OpenSession.DistinctPointCount)
	assert.Equal(t, t0.Add(4*time.Minute), res.OpenSession.LastTouchTime)

	sess := store.sessions[id]
	assert.Equal(t, 1, sess.DistinctPointCount)
	assert.Equal(t, t0.Add(4*time.Minute), sess.LastTouchTime)
}

func TestSecondOpenIsAdoptedNotDuplicated(t *testing.T) {
	store := newFakeSessionStore()
	// Pre-existing open session for the vehicle.
	_, opened, err := store.OpenSession(context.Background(), "TRUCK-1",
		domain.SessionDrain, t0.Add(-10*time.Minute), decimal.NewFromInt(90), ptr(10.0), ptr(20.0))
	require.NoError(t, err)
	require.True(t, opened)

	res := run(t, store, []Point{
		pt(0, 80), pt(2, 70), pt(3, 65),
	})

	assert.Equal(t, 0, res.Opened)
	require.Len(t, store.sessions, 1)
}

func TestFewerThanThreePointsIsANoOp(t *testing.T) {
	store := newFakeSessionStore()
	res := run(t, store, []Point{pt(0, 80), pt(2, 60)})
	assert.Equal(t, 0, res.Opened)
	assert.Empty(t, store.sessions)
}

func TestIdleGapRebasesTracker(t *testing.T) {
	store := newFakeSessionStore()

	// 40 minutes of silence between the baseline and the drop: the tracker
	// must rebase instead of treating the gap as one long trend.
	res := run(t, store, []Point{
		pt(0, 80), pt(40, 70), pt(41, 70), pt(42, 70),
	})
	assert.Equal(t, 0, res.Opened)
	assert.Empty(t, store.sessions)
}

func TestPointsFromRecordsDropsUnknownLevels(t *testing.T) {
	recs := []domain.PositionRecord{
		{PositionID: 1, EventTime: t0, LevelPercent: decimal.NullDecimal{Decimal: decimal.NewFromInt(50), Valid: true}},
		{PositionID: 2, EventTime: t0.Add(time.Minute)}, // no level
		{PositionID: 3, EventTime: t0.Add(2 * time.Minute), LevelPercent: decimal.NullDecimal{Decimal: decimal.NewFromInt(-1), Valid: true}},
	}
	pts := PointsFromRecords(recs)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(1), pts[0].ID)
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is ~111 km.
	d := haversineM(10.0, 20.0, 11.0, 20.0)
	assert.InDelta(t, 111000, d, 500)
	assert.Zero(t, haversineM(10.0, 20.0, 10.0, 20.0))
}
