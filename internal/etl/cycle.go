// Package etl drives the full per-vehicle ingestion sequence once per
// polling interval: fetch, dedupe, insert, detect, commit — then a global
// stagnant-session sweep.
package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tank-monitor/etl/internal/config"
	"tank-monitor/etl/internal/detector"
	"tank-monitor/etl/internal/domain"
	"tank-monitor/etl/internal/ingest"
	"tank-monitor/etl/internal/metrics"
)

// Store is the slice of the persistence layer one cycle needs. *store.Store
// satisfies it both pool-backed and transaction-bound.
type Store interface {
	ActiveVehicles(ctx context.Context) ([]domain.Vehicle, error)
	LatestEventTime(ctx context.Context, vehicleID string) (*time.Time, error)
	ExistingPositionIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
	InsertPositions(ctx context.Context, recs []domain.PositionRecord) ([]domain.PositionRecord, error)
	RecentLeveled(ctx context.Context, vehicleID string, before time.Time, limit int) ([]domain.PositionRecord, error)
	CloseStagnantSessions(ctx context.Context, gap, minDuration time.Duration, minDelta decimal.Decimal) (closed, discarded int64, err error)

	detector.SessionStore
}

// TxFunc runs fn inside one transaction; this is the per-vehicle commit
// boundary.
type TxFunc func(ctx context.Context, fn func(Store) error) error

type PositionFetcher interface {
	FetchPositions(ctx context.Context, vehicleID string, from, to time.Time) ([]domain.PositionRecord, error)
}

// LivePublisher pushes freshest state to the live store. Optional.
type LivePublisher interface {
	UpdateVehicleState(ctx context.Context, vehicleID string, rec domain.PositionRecord, open *domain.Session) error
	PublishSessionEvent(ctx context.Context, sess domain.Session, status string) error
}

type Runner struct {
	cfg      *config.Config
	detCfg   detector.Config
	provider PositionFetcher
	store    Store
	withTx   TxFunc
	live     LivePublisher
	log      *zap.Logger
}

func NewRunner(cfg *config.Config, provider PositionFetcher, st Store, withTx TxFunc, live LivePublisher, log *zap.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		detCfg:   DetectorConfig(cfg),
		provider: provider,
		store:    st,
		withTx:   withTx,
		live:     live,
		log:      log.Named("etl"),
	}
}

// DetectorConfig maps the environment configuration onto the state machine
// thresholds.
func DetectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		StartThresholdPP:      cfg.StartThresholdPP,
		MinDurationToOpen:     cfg.MinDurationToOpen,
		StopThresholdPP:       cfg.StopThresholdPP,
		JumpThresholdPP:       cfg.JumpThresholdPP,
		ReversalWindow:        cfg.ReversalWindow,
		ReversalTolerancePP:   cfg.ReversalTolerancePP,
		ExitRadiusM:           cfg.ExitRadiusM,
		StopSpeedKmh:          cfg.StopSpeedKmh,
		StopDwell:             cfg.StopDwell,
		MaxSessionDuration:    cfg.MaxSessionDuration,
		StaleWindow:           cfg.StaleWindow,
		StaleEpsilonPP:        cfg.StaleEpsilonPP,
		IdleGapReset:          cfg.IdleGapReset,
		TouchOnlyWhileStopped: cfg.TouchOnlyWhileStopped,
		MinSessionDuration:    cfg.MinSessionDuration,
		MinSessionDeltaPP:     cfg.MinSessionDeltaPP,
	}
}

// RunForever runs cycles until the context is canceled. A cycle failure is
// logged and the loop sleeps and retries; the daemon never terminates on
// error.
func (r *Runner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.RunCycle(ctx); err != nil {
			r.log.Error("cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle processes every active vehicle once, then sweeps stagnant
// sessions. One vehicle's failure never prevents the others from being
// processed.
func (r *Runner) RunCycle(ctx context.Context) error {
	vehicles, err := r.store.ActiveVehicles(ctx)
	if err != nil {
		return fmt.Errorf("list active vehicles: %w", err)
	}
	now := time.Now().UTC()

	for _, v := range vehicles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.processVehicle(ctx, v, now); err != nil {
			metrics.VehicleFailures.Add(1)
			r.log.Error("vehicle processing failed",
				zap.String("vehicle", v.ID), zap.Error(err))
		}
	}

	closed, discarded, err := r.store.CloseStagnantSessions(ctx,
		r.cfg.StagnantGap, r.cfg.MinSessionDuration, r.cfg.MinSessionDeltaPP)
	if err != nil {
		r.log.Error("stagnant session sweep failed", zap.Error(err))
	} else if closed > 0 || discarded > 0 {
		metrics.SessionsFinalized.Add(closed)
		metrics.SessionsCanceled.Add(discarded)
		r.log.Info("stagnant session sweep",
			zap.Int64("closed", closed), zap.Int64("discarded", discarded))
	}

	metrics.CyclesCompleted.Add(1)
	return nil
}

func (r *Runner) processVehicle(ctx context.Context, v domain.Vehicle, now time.Time) error {
	latest, err := r.store.LatestEventTime(ctx, v.ID)
	if err != nil {
		return err
	}
	from := windowStart(latest, v.InstalledAt, now, r.cfg.DefaultHorizon)

	recs, err := r.provider.FetchPositions(ctx, v.ID, from, now)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	metrics.PositionsFetched.Add(int64(len(recs)))
	r.log.Info("fetched history window",
		zap.String("vehicle", v.ID),
		zap.Time("from", from),
		zap.Time("to", now),
		zap.Int("returned", len(recs)))
	if len(recs) == 0 {
		return nil
	}

	var (
		res      *detector.Result
		lastRec  domain.PositionRecord
		inserted int
	)
	err = r.withTx(ctx, func(s Store) error {
		fresh, err := ingest.Dedupe(ctx, s, recs)
		if err != nil {
			return err
		}
		if len(fresh) == 0 {
			return nil
		}
		ins, err := s.InsertPositions(ctx, fresh)
		if err != nil {
			return err
		}
		inserted = len(ins)
		metrics.PositionsInserted.Add(int64(inserted))
		if inserted == 0 {
			return nil
		}
		lastRec = ins[len(ins)-1]

		lookback, err := s.RecentLeveled(ctx, v.ID, ins[0].EventTime, r.cfg.LookbackPoints)
		if err != nil {
			return err
		}
		pts := detector.PointsFromRecords(append(lookback, ins...))

		res, err = detector.New(r.detCfg, s, r.log).Run(ctx, v.ID, pts)
		return err
	})
	if err != nil {
		return err
	}
	if inserted > 0 {
		r.log.Info("vehicle committed",
			zap.String("vehicle", v.ID), zap.Int("inserted", inserted))
	}

	r.publishLive(ctx, v.ID, lastRec, res, inserted)
	return nil
}

// publishLive mirrors the vehicle's freshest state after the commit. Best
// effort only.
func (r *Runner) publishLive(ctx context.Context, vehicleID string, lastRec domain.PositionRecord, res *detector.Result, inserted int) {
	if r.live == nil || inserted == 0 {
		return
	}
	var open *domain.Session
	if res != nil {
		for _, ev := range res.Events {
			if err := r.live.PublishSessionEvent(ctx, ev.Session, string(ev.Status)); err != nil {
				r.log.Warn("session event publish failed",
					zap.String("vehicle", vehicleID), zap.Error(err))
			}
		}
		open = res.OpenSession
	}
	if err := r.live.UpdateVehicleState(ctx, vehicleID, lastRec, open); err != nil {
		r.log.Warn("live state update failed",
			zap.String("vehicle", vehicleID), zap.Error(err))
	}
}

// windowStart derives the fetch window start: one millisecond past the
// latest stored event, the vehicle's install date when nothing is stored, or
// a default horizon back from now. A start at or past now is pulled back one
// second so the window is never empty.
func windowStart(latest, installed *time.Time, now time.Time, horizon time.Duration) time.Time {
	var start time.Time
	switch {
	case latest != nil:
		start = latest.Add(time.Millisecond)
	case installed != nil:
		start = *installed
	default:
		start = now.Add(-horizon)
	}
	if !start.Before(now) {
		start = now.Add(-time.Second)
	}
	return start.UTC()
}
