package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tank-monitor/etl/internal/config"
	"tank-monitor/etl/internal/domain"
)

// DB wraps the pgx pool and hands out Stores bound either to the pool or to
// a transaction.
type DB struct {
	pool *pgxpool.Pool
}

func NewDB(ctx context.Context, cfg *config.Config) (*DB, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (d *DB) Close() {
	d.pool.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Store returns a pool-backed store; each statement commits on its own.
func (d *DB) Store() *Store {
	return &Store{q: d.pool}
}

// WithTx runs fn against a transaction-bound store. This is the per-vehicle
// commit boundary: a failure rolls back the whole vehicle's insert+detect
// step, which is safely retried next cycle.
func (d *DB) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	q querier
}

// ActiveVehicles returns the units enrolled for ingestion.
func (s *Store) ActiveVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	rows, err := s.q.Query(ctx, `
		SELECT vehicle_id, installed_at
		  FROM vehicle
		 WHERE active
		 ORDER BY vehicle_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []domain.Vehicle
	for rows.Next() {
		var v domain.Vehicle
		if err := rows.Scan(&v.ID, &v.InstalledAt); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// LatestEventTime returns the newest stored event time for a vehicle, or nil
// when nothing is stored yet.
func (s *Store) LatestEventTime(ctx context.Context, vehicleID string) (*time.Time, error) {
	var latest *time.Time
	err := s.q.QueryRow(ctx, `
		SELECT MAX(event_time) FROM vehicle_position WHERE vehicle_id = $1
	`, vehicleID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("query latest event time: %w", err)
	}
	return latest, nil
}

// ExistingPositionIDs reports which of the given provider ids are already
// stored. Callers chunk large id sets.
func (s *Store) ExistingPositionIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	existing := make(map[int64]struct{}, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	rows, err := s.q.Query(ctx, `
		SELECT position_id FROM vehicle_position WHERE position_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query existing position ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan position id: %w", err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// InsertPositions stores records with insert-if-absent semantics and returns
// the subset actually inserted, preserving input order.
func (s *Store) InsertPositions(ctx context.Context, recs []domain.PositionRecord) ([]domain.PositionRecord, error) {
	inserted := make([]domain.PositionRecord, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		tag, err := s.q.Exec(ctx, `
			INSERT INTO vehicle_position
				(position_id, vehicle_id, event_id, event_time, update_time,
				 ignition, valid_gps, latitude, longitude, level_percent,
				 speed_kmh, raw)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (position_id) DO NOTHING
		`,
			r.PositionID, r.VehicleID, r.EventID, r.EventTime, r.UpdateTime,
			r.Ignition, r.ValidGPS, r.Latitude, r.Longitude, r.LevelPercent,
			r.SpeedKmh, r.Raw,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert position %d: %w", r.PositionID, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, *r)
		}
	}
	return inserted, nil
}

// RecentLeveled returns up to limit leveled positions before the cutoff, in
// chronological order. The detector prefixes new rows with this lookback so
// trends spanning a cycle boundary are not missed.
func (s *Store) RecentLeveled(ctx context.Context, vehicleID string, before time.Time, limit int) ([]domain.PositionRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT position_id, vehicle_id, event_time, latitude, longitude,
		       level_percent, speed_kmh
		  FROM vehicle_position
		 WHERE vehicle_id = $1
		   AND level_percent IS NOT NULL
		   AND event_time < $2
		 ORDER BY event_time DESC
		 LIMIT $3
	`, vehicleID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query lookback positions: %w", err)
	}
	defer rows.Close()

	var recs []domain.PositionRecord
	for rows.Next() {
		var r domain.PositionRecord
		if err := rows.Scan(&r.PositionID, &r.VehicleID, &r.EventTime,
			&r.Latitude, &r.Longitude, &r.LevelPercent, &r.SpeedKmh); err != nil {
			return nil, fmt.Errorf("scan lookback position: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows come newest first; flip to chronological.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

var sessionColumns = `
	id::text, vehicle_id, kind, start_time, start_level, start_lat, start_lon,
	last_touch_time, last_level, end_time, distinct_point_count`

// OpenSession creates an open session unless one of any kind already exists
// for the vehicle, in which case it returns opened=false and no error. The
// read-latest-open plus insert happen under the caller's transaction; a
// partial unique index on (vehicle_id) WHERE end_time IS NULL backstops the
// invariant against concurrent writers.
func (s *Store) OpenSession(ctx context.Context, vehicleID string, kind domain.SessionKind, t time.Time, level decimal.Decimal, lat, lon *float64) (uuid.UUID, bool, error) {
	var existing string
	err := s.q.QueryRow(ctx, `
		SELECT id::text FROM tank_session
		 WHERE vehicle_id = $1 AND end_time IS NULL
		 FOR UPDATE
	`, vehicleID).Scan(&existing)
	if err == nil {
		return uuid.Nil, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("check open session: %w", err)
	}

	id := uuid.New()
	_, err = s.q.Exec(ctx, `
		INSERT INTO tank_session
			(id, vehicle_id, kind, start_time, start_level, start_lat,
			 start_lon, last_touch_time, last_level, distinct_point_count)
		VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$4,$5,1)
	`, id.String(), vehicleID, string(kind), t, level, lat, lon)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("insert session: %w", err)
	}
	return id, true, nil
}

// TouchSession records a session's latest observation. Closed sessions are
// left untouched.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, t time.Time, level decimal.Decimal, distinct bool) error {
	bump := 0
	if distinct {
		bump = 1
	}
	_, err := s.q.Exec(ctx, `
		UPDATE tank_session
		   SET last_touch_time = $2,
		       last_level = $3,
		       distinct_point_count = distinct_point_count + $4
		 WHERE id = $1::uuid AND end_time IS NULL
	`, id.String(), t, level, bump)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// FinalizeSession closes a session. Idempotent: end_time is only ever set
// once.
func (s *Store) FinalizeSession(ctx context.Context, id uuid.UUID, end time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE tank_session SET end_time = $2
		 WHERE id = $1::uuid AND end_time IS NULL
	`, id.String(), end)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// CancelSession discards a never-completed candidate.
func (s *Store) CancelSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM tank_session WHERE id = $1::uuid AND end_time IS NULL
	`, id.String())
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	return nil
}

// ResumeOpenSession returns the vehicle's open session, if any.
func (s *Store) ResumeOpenSession(ctx context.Context, vehicleID string) (*domain.Session, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		  FROM tank_session
		 WHERE vehicle_id = $1 AND end_time IS NULL
		 ORDER BY start_time DESC
		 LIMIT 1
	`, vehicleID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume open session: %w", err)
	}
	return sess, nil
}

// LastSessionEnd returns when the vehicle's most recent closed session
// ended, or nil when it has none. The detector uses it to keep replayed
// lookback points from being evaluated twice.
func (s *Store) LastSessionEnd(ctx context.Context, vehicleID string) (*time.Time, error) {
	var end *time.Time
	err := s.q.QueryRow(ctx, `
		SELECT MAX(end_time) FROM tank_session WHERE vehicle_id = $1
	`, vehicleID).Scan(&end)
	if err != nil {
		return nil, fmt.Errorf("query last session end: %w", err)
	}
	return end, nil
}

// CloseStagnantSessions is the end-of-cycle sweep over sessions untouched
// for longer than gap: ones that meet the validation criteria are finalized
// at their last touch, the rest are discarded. It covers vehicles that
// stopped reporting entirely.
func (s *Store) CloseStagnantSessions(ctx context.Context, gap, minDuration time.Duration, minDelta decimal.Decimal) (closed, discarded int64, err error) {
	cutoff := time.Now().UTC().Add(-gap)

	tag, err := s.q.Exec(ctx, `
		UPDATE tank_session
		   SET end_time = last_touch_time
		 WHERE end_time IS NULL
		   AND last_touch_time < $1
		   AND last_touch_time - start_time >= make_interval(secs => $2::float8)
		   AND abs(last_level - start_level) >= $3
		   AND distinct_point_count >= 2
	`, cutoff, minDuration.Seconds(), minDelta)
	if err != nil {
		return 0, 0, fmt.Errorf("finalize stagnant sessions: %w", err)
	}
	closed = tag.RowsAffected()

	tag, err = s.q.Exec(ctx, `
		DELETE FROM tank_session
		 WHERE end_time IS NULL AND last_touch_time < $1
	`, cutoff)
	if err != nil {
		return closed, 0, fmt.Errorf("discard stagnant sessions: %w", err)
	}
	return closed, tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		sess domain.Session
		id   string
		kind string
	)
	if err := row.Scan(&id, &sess.VehicleID, &kind, &sess.StartTime,
		&sess.StartLevel, &sess.StartLat, &sess.StartLon,
		&sess.LastTouchTime, &sess.LastLevel, &sess.EndTime,
		&sess.DistinctPointCount); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	sess.ID = parsed
	sess.Kind = domain.SessionKind(kind)
	return &sess, nil
}
