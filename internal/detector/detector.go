// Package detector infers discrete tank fill/drain sessions from noisy,
// irregularly sampled level readings. It consumes a chronologically ordered
// stream of points for one vehicle and drives the session store through
// open/touch/finalize/cancel operations. All per-vehicle state lives in an
// explicit State value rebuilt on every pass; the authoritative state is the
// persisted open session row plus the lookback window, so a pass is safely
// retried whole.
package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tank-monitor/etl/internal/domain"
	"tank-monitor/etl/internal/metrics"
)

// Config carries every threshold the state machine needs. All _PP values are
// percentage points of tank level.
type Config struct {
	StartThresholdPP    decimal.Decimal
	MinDurationToOpen   time.Duration
	StopThresholdPP     decimal.Decimal
	JumpThresholdPP     decimal.Decimal
	ReversalWindow      time.Duration
	ReversalTolerancePP decimal.Decimal

	ExitRadiusM  float64
	StopSpeedKmh float64
	StopDwell    time.Duration

	MaxSessionDuration    time.Duration
	StaleWindow           time.Duration
	StaleEpsilonPP        decimal.Decimal
	IdleGapReset          time.Duration
	TouchOnlyWhileStopped bool

	MinSessionDuration time.Duration
	MinSessionDeltaPP  decimal.Decimal
}

// minValidPoints is the minimum number of leveled points a pass needs.
const minValidPoints = 3

// Point is one leveled sample, ordered by Time within a pass.
type Point struct {
	ID    int64
	Time  time.Time
	Level decimal.Decimal
	Lat   *float64
	Lon   *float64
	Speed *float64
}

// PointsFromRecords converts stored records into detector input, dropping
// samples with unknown levels.
func PointsFromRecords(recs []domain.PositionRecord) []Point {
	pts := make([]Point, 0, len(recs))
	for i := range recs {
		level, ok := recs[i].Level()
		if !ok {
			continue
		}
		pts = append(pts, Point{
			ID:    recs[i].PositionID,
			Time:  recs[i].EventTime,
			Level: level,
			Lat:   recs[i].Latitude,
			Lon:   recs[i].Longitude,
			Speed: recs[i].SpeedKmh,
		})
	}
	return pts
}

// SessionStore is the durable session record the detector drives.
type SessionStore interface {
	// OpenSession returns opened=false without error when a session of any
	// kind is already open for the vehicle.
	OpenSession(ctx context.Context, vehicleID string, kind domain.SessionKind, t time.Time, level decimal.Decimal, lat, lon *float64) (uuid.UUID, bool, error)
	TouchSession(ctx context.Context, id uuid.UUID, t time.Time, level decimal.Decimal, distinct bool) error
	FinalizeSession(ctx context.Context, id uuid.UUID, end time.Time) error
	CancelSession(ctx context.Context, id uuid.UUID) error
	ResumeOpenSession(ctx context.Context, vehicleID string) (*domain.Session, error)
	// LastSessionEnd reports when the vehicle's most recent closed session
	// ended, nil when it has none.
	LastSessionEnd(ctx context.Context, vehicleID string) (*time.Time, error)
}

type Phase int

const (
	PhaseStable Phase = iota
	PhaseTrendingUp
	PhaseTrendingDown
)

// LevelTracker is the baseline accumulated drift is measured against while
// no session is open.
type LevelTracker struct {
	StartLevel   decimal.Decimal
	StartTime    time.Time
	StartLat     *float64
	StartLon     *float64
	CurrentLevel decimal.Decimal
	CurrentTime  time.Time
	Valid        bool
}

// State is the transient per-vehicle machine state for one pass.
type State struct {
	Phase   Phase
	Tracker LevelTracker

	// BlockUntilStopped suppresses all detection after a geofence exit
	// until the vehicle is observed stopped.
	BlockUntilStopped bool
	StopSince         *time.Time

	open *openSession
}

type openSession struct {
	id        uuid.UUID
	vehicleID string
	kind      domain.SessionKind

	startTime  time.Time
	startLevel decimal.Decimal
	anchorLat  *float64
	anchorLon  *float64

	lastLevel decimal.Decimal
	lastTouch time.Time
	distinct  int

	// Last level that moved by at least StaleEpsilonPP, and when.
	staleLevel decimal.Decimal
	staleTime  time.Time
}

func (s *openSession) snapshot() domain.Session {
	return domain.Session{
		ID:                 s.id,
		VehicleID:          s.vehicleID,
		Kind:               s.kind,
		StartTime:          s.startTime,
		StartLevel:         s.startLevel,
		StartLat:           s.anchorLat,
		StartLon:           s.anchorLon,
		LastTouchTime:      s.lastTouch,
		LastLevel:          s.lastLevel,
		DistinctPointCount: s.distinct,
	}
}

type EventStatus string

const (
	EventOpened    EventStatus = "OPENED"
	EventFinalized EventStatus = "FINALIZED"
	EventCanceled  EventStatus = "CANCELED"
)

type SessionEvent struct {
	Session domain.Session
	Status  EventStatus
}

// Result summarizes one detection pass for the caller.
type Result struct {
	Opened    int
	Finalized int
	Canceled  int
	Events    []SessionEvent

	// OpenSession is the session left open at end of input, if any.
	OpenSession *domain.Session
}

type Detector struct {
	cfg   Config
	store SessionStore
	log   *zap.Logger
}

func New(cfg Config, store SessionStore, log *zap.Logger) *Detector {
	return &Detector{cfg: cfg, store: store, log: log.Named("detector")}
}

// Run executes one detection pass over chronologically ordered points for a
// single vehicle. The caller is responsible for sorting; feeding unsorted
// input violates the contract.
func (d *Detector) Run(ctx context.Context, vehicleID string, pts []Point) (*Result, error) {
	res := &Result{}

	st := &State{}
	resumed, err := d.store.ResumeOpenSession(ctx, vehicleID)
	if err != nil {
		return res, fmt.Errorf("resume open session: %w", err)
	}
	if resumed != nil {
		d.adopt(st, resumed)
		d.log.Debug("resumed open session",
			zap.String("vehicle", vehicleID),
			zap.String("session", resumed.ID.String()),
			zap.String("kind", string(resumed.Kind)))
	}

	// The caller's window replays points from earlier passes. Ones already
	// consumed by a session, whether touched by the resumed one or covered
	// by an already closed one, must not be evaluated again: every pass
	// would re-detect the same trend and re-count the same readings.
	cutoff, err := d.replayCutoff(ctx, vehicleID, resumed)
	if err != nil {
		return res, err
	}
	pts = pointsAfter(pts, cutoff)

	if st.open == nil && len(pts) < minValidPoints {
		return res, nil
	}
	pts = d.dropSpikes(pts)

	for i := range pts {
		p := pts[i]
		if st.BlockUntilStopped {
			d.handleBlocked(st, p)
			continue
		}
		if st.open != nil {
			err = d.handleOpen(ctx, st, res, p)
		} else {
			err = d.handleStable(ctx, st, res, vehicleID, p)
		}
		if err != nil {
			return res, err
		}
	}

	// End of input: a session that already stands on its own is closed;
	// one that does not is left open and resumed next cycle.
	if s := st.open; s != nil {
		if d.sessionValid(s) {
			if err := d.finalize(ctx, st, res, "end of input"); err != nil {
				return res, err
			}
		} else {
			snap := s.snapshot()
			res.OpenSession = &snap
		}
	}
	return res, nil
}

// replayCutoff is the boundary before which points belong to a session this
// detector has already recorded: the resumed session's last touch, or the
// end of the vehicle's latest closed session.
func (d *Detector) replayCutoff(ctx context.Context, vehicleID string, resumed *domain.Session) (*time.Time, error) {
	if resumed != nil {
		t := resumed.LastTouchTime
		return &t, nil
	}
	end, err := d.store.LastSessionEnd(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("last session end: %w", err)
	}
	return end, nil
}

// pointsAfter drops the chronological prefix at or before cutoff.
func pointsAfter(pts []Point, cutoff *time.Time) []Point {
	if cutoff == nil {
		return pts
	}
	i := 0
	for i < len(pts) && !pts[i].Time.After(*cutoff) {
		i++
	}
	return pts[i:]
}

func (d *Detector) handleStable(ctx context.Context, st *State, res *Result, vehicleID string, p Point) error {
	tr := &st.Tracker
	if !tr.Valid || p.Time.Sub(tr.CurrentTime) > d.cfg.IdleGapReset {
		d.rebase(st, p)
		return nil
	}
	tr.CurrentLevel = p.Level
	tr.CurrentTime = p.Time

	delta := tr.CurrentLevel.Sub(tr.StartLevel)
	elapsed := tr.CurrentTime.Sub(tr.StartTime)
	if delta.Abs().LessThan(d.cfg.StartThresholdPP) || elapsed < d.cfg.MinDurationToOpen {
		return nil
	}

	kind := domain.SessionFill
	phase := PhaseTrendingUp
	if delta.Sign() < 0 {
		kind = domain.SessionDrain
		phase = PhaseTrendingDown
	}

	lat, lon := p.Lat, p.Lon
	if lat == nil || lon == nil {
		lat, lon = tr.StartLat, tr.StartLon
	}

	id, opened, err := d.store.OpenSession(ctx, vehicleID, kind, tr.StartTime, tr.StartLevel, lat, lon)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if !opened {
		// A session already exists for this vehicle; adopt it instead of
		// violating the at-most-one-open invariant.
		existing, err := d.store.ResumeOpenSession(ctx, vehicleID)
		if err != nil {
			return fmt.Errorf("adopt existing session: %w", err)
		}
		if existing != nil {
			d.adopt(st, existing)
		}
		return nil
	}

	s := &openSession{
		id:         id,
		vehicleID:  vehicleID,
		kind:       kind,
		startTime:  tr.StartTime,
		startLevel: tr.StartLevel,
		anchorLat:  lat,
		anchorLon:  lon,
		lastLevel:  tr.StartLevel,
		lastTouch:  tr.StartTime,
		distinct:   1,
		staleLevel: tr.StartLevel,
		staleTime:  tr.StartTime,
	}
	st.open = s
	st.Phase = phase
	metrics.SessionsOpened.Add(1)
	res.Opened++

	// The confirming point becomes the session's first touch. It does not
	// count as a distinct reading: confidence has to come from movement
	// observed after the session opened.
	if err := d.store.TouchSession(ctx, s.id, p.Time, p.Level, false); err != nil {
		d.log.Warn("initial touch failed",
			zap.String("session", s.id.String()), zap.Error(err))
	} else {
		s.lastLevel = p.Level
		s.lastTouch = p.Time
		s.staleLevel = p.Level
		s.staleTime = p.Time
	}

	res.Events = append(res.Events, SessionEvent{Session: s.snapshot(), Status: EventOpened})
	d.log.Info("session opened",
		zap.String("vehicle", vehicleID),
		zap.String("kind", string(kind)),
		zap.String("start_level", tr.StartLevel.String()),
		zap.String("level", p.Level.String()))
	return nil
}

func (d *Detector) handleOpen(ctx context.Context, st *State, res *Result, p Point) error {
	s := st.open

	// 1. Geofence exit: the vehicle left the place the session started.
	if s.anchorLat != nil && s.anchorLon != nil && p.Lat != nil && p.Lon != nil {
		if haversineM(*s.anchorLat, *s.anchorLon, *p.Lat, *p.Lon) > d.cfg.ExitRadiusM {
			if err := d.terminate(ctx, st, res, "geofence exit"); err != nil {
				return err
			}
			st.BlockUntilStopped = true
			st.StopSince = nil
			st.Tracker = LevelTracker{}
			return nil
		}
	}

	// 2. Max duration ceiling.
	if p.Time.Sub(s.startTime) > d.cfg.MaxSessionDuration {
		if err := d.terminate(ctx, st, res, "max duration"); err != nil {
			return err
		}
		d.rebase(st, p)
		return nil
	}

	// 3. Stale: no material level change for too long.
	if p.Time.Sub(s.staleTime) > d.cfg.StaleWindow {
		if err := d.terminate(ctx, st, res, "stale"); err != nil {
			return err
		}
		d.rebase(st, p)
		return nil
	}

	// 4. Trend reversal past the stop threshold in the opposite direction.
	delta := p.Level.Sub(s.startLevel)
	reversed := (s.kind == domain.SessionDrain && delta.GreaterThan(d.cfg.StopThresholdPP)) ||
		(s.kind == domain.SessionFill && delta.LessThan(d.cfg.StopThresholdPP.Neg()))
	if reversed {
		if err := d.terminate(ctx, st, res, "trend reversal"); err != nil {
			return err
		}
		d.rebase(st, p)
		return nil
	}

	// 5. Touch.
	if d.cfg.TouchOnlyWhileStopped && !stopped(p, d.cfg.StopSpeedKmh) {
		return nil
	}
	d.touch(ctx, s, p)
	return nil
}

func (d *Detector) touch(ctx context.Context, s *openSession, p Point) {
	distinct := !p.Level.Equal(s.lastLevel)
	if err := d.store.TouchSession(ctx, s.id, p.Time, p.Level, distinct); err != nil {
		// A lost touch is recoverable noise, not a reason to abort the
		// vehicle's pass.
		d.log.Warn("session touch failed",
			zap.String("session", s.id.String()), zap.Error(err))
		return
	}
	s.lastLevel = p.Level
	s.lastTouch = p.Time
	if distinct {
		s.distinct++
	}
	if p.Level.Sub(s.staleLevel).Abs().GreaterThanOrEqual(d.cfg.StaleEpsilonPP) {
		s.staleLevel = p.Level
		s.staleTime = p.Time
	}
}

func (d *Detector) handleBlocked(st *State, p Point) {
	// Only an explicit low speed reading lifts the block. The touch gate in
	// stopped() accepts a missing speed, but here the vehicle was last seen
	// leaving the geofence, so silence is not evidence it has stopped.
	if p.Speed == nil || *p.Speed > d.cfg.StopSpeedKmh {
		st.StopSince = nil
		return
	}
	if st.StopSince == nil {
		t := p.Time
		st.StopSince = &t
	}
	if d.cfg.StopDwell > 0 && p.Time.Sub(*st.StopSince) < d.cfg.StopDwell {
		return
	}
	st.BlockUntilStopped = false
	st.StopSince = nil
	d.rebase(st, p)
}

// terminate closes the open session, keeping it when it meets the validation
// criteria and discarding it otherwise.
func (d *Detector) terminate(ctx context.Context, st *State, res *Result, reason string) error {
	if d.sessionValid(st.open) {
		return d.finalize(ctx, st, res, reason)
	}
	s := st.open
	st.open = nil
	st.Phase = PhaseStable
	if err := d.store.CancelSession(ctx, s.id); err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	metrics.SessionsCanceled.Add(1)
	res.Canceled++
	res.Events = append(res.Events, SessionEvent{Session: s.snapshot(), Status: EventCanceled})
	d.log.Info("session canceled",
		zap.String("vehicle", s.vehicleID),
		zap.String("kind", string(s.kind)),
		zap.String("reason", reason),
		zap.Int("distinct_points", s.distinct))
	return nil
}

func (d *Detector) finalize(ctx context.Context, st *State, res *Result, reason string) error {
	s := st.open
	st.open = nil
	st.Phase = PhaseStable
	if err := d.store.FinalizeSession(ctx, s.id, s.lastTouch); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	metrics.SessionsFinalized.Add(1)
	res.Finalized++
	snap := s.snapshot()
	end := s.lastTouch
	snap.EndTime = &end
	res.Events = append(res.Events, SessionEvent{Session: snap, Status: EventFinalized})
	d.log.Info("session finalized",
		zap.String("vehicle", s.vehicleID),
		zap.String("kind", string(s.kind)),
		zap.String("reason", reason),
		zap.String("delta_pp", s.lastLevel.Sub(s.startLevel).String()),
		zap.Duration("duration", s.lastTouch.Sub(s.startTime)))
	return nil
}

func (d *Detector) sessionValid(s *openSession) bool {
	return s.lastTouch.Sub(s.startTime) >= d.cfg.MinSessionDuration &&
		s.lastLevel.Sub(s.startLevel).Abs().GreaterThanOrEqual(d.cfg.MinSessionDeltaPP) &&
		s.distinct >= 2
}

func (d *Detector) rebase(st *State, p Point) {
	st.Tracker = LevelTracker{
		StartLevel:   p.Level,
		StartTime:    p.Time,
		StartLat:     p.Lat,
		StartLon:     p.Lon,
		CurrentLevel: p.Level,
		CurrentTime:  p.Time,
		Valid:        true,
	}
	st.Phase = PhaseStable
}

func (d *Detector) adopt(st *State, s *domain.Session) {
	st.open = &openSession{
		id:         s.ID,
		vehicleID:  s.VehicleID,
		kind:       s.Kind,
		startTime:  s.StartTime,
		startLevel: s.StartLevel,
		anchorLat:  s.StartLat,
		anchorLon:  s.StartLon,
		lastLevel:  s.LastLevel,
		lastTouch:  s.LastTouchTime,
		distinct:   s.DistinctPointCount,
		staleLevel: s.LastLevel,
		staleTime:  s.LastTouchTime,
	}
	if s.Kind == domain.SessionFill {
		st.Phase = PhaseTrendingUp
	} else {
		st.Phase = PhaseTrendingDown
	}
}

// stopped reports whether a point satisfies the stop-speed gate. Samples
// without a speed reading pass the gate.
func stopped(p Point, stopSpeedKmh float64) bool {
	return p.Speed == nil || *p.Speed <= stopSpeedKmh
}
