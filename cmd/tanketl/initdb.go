package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

// initDBCmd creates the schema this daemon writes to. Safe to re-run; every
// statement is IF NOT EXISTS.
func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create database tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := loadConfig(log)
			ctx := cmd.Context()

			connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

			fmt.Println("Connecting to Postgres...")
			conn, err := pgx.Connect(ctx, connStr)
			if err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			defer conn.Close(ctx)
			fmt.Println("✓ Connected")

			if err := createTables(ctx, conn); err != nil {
				return err
			}
			if err := createIndexes(ctx, conn); err != nil {
				return err
			}
			if err := verifySchema(ctx, conn); err != nil {
				return err
			}

			fmt.Println("\n✅ Database initialised successfully")
			return nil
		},
	}
}

func createTables(ctx context.Context, conn *pgx.Conn) error {
	fmt.Println("\n── Step 1: Tables ──────────────────────────────")

	if err := execStep(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle (
			vehicle_id   TEXT        PRIMARY KEY,
			active       BOOLEAN     NOT NULL DEFAULT TRUE,

			-- Onboarding date; fetch window start when no positions stored.
			installed_at TIMESTAMPTZ
		);
	`, "vehicle table"); err != nil {
		return err
	}

	if err := execStep(ctx, conn, `
		CREATE TABLE IF NOT EXISTS vehicle_position (

			-- Provider-assigned global id; the sole dedup key.
			position_id   BIGINT           PRIMARY KEY,

			vehicle_id    TEXT             NOT NULL,
			event_id      BIGINT,
			event_time    TIMESTAMPTZ      NOT NULL,
			update_time   TIMESTAMPTZ,

			ignition      BOOLEAN,
			valid_gps     BOOLEAN,

			-- NULL means no GPS fix for the sample.
			latitude      DOUBLE PRECISION,
			longitude     DOUBLE PRECISION,

			-- Tank level in percentage points; NULL means unknown.
			level_percent NUMERIC(5,2),
			speed_kmh     DOUBLE PRECISION,

			-- Original provider payload for debugging and replay.
			raw           JSONB
		);
	`, "vehicle_position table"); err != nil {
		return err
	}

	return execStep(ctx, conn, `
		CREATE TABLE IF NOT EXISTS tank_session (
			id                   UUID         PRIMARY KEY,
			vehicle_id           TEXT         NOT NULL,
			kind                 TEXT         NOT NULL,

			start_time           TIMESTAMPTZ  NOT NULL,
			start_level          NUMERIC(5,2) NOT NULL,
			start_lat            DOUBLE PRECISION,
			start_lon            DOUBLE PRECISION,

			last_touch_time      TIMESTAMPTZ  NOT NULL,
			last_level           NUMERIC(5,2) NOT NULL,

			-- NULL while open; immutable once set.
			end_time             TIMESTAMPTZ,

			distinct_point_count INT          NOT NULL DEFAULT 1,

			CONSTRAINT chk_session_kind CHECK (kind IN ('FILL', 'DRAIN'))
		);
	`, "tank_session table")
}

func createIndexes(ctx context.Context, conn *pgx.Conn) error {
	fmt.Println("\n── Step 2: Indexes ─────────────────────────────")

	indexes := []struct {
		sql string
		why string
	}{
		{
			sql: `CREATE INDEX IF NOT EXISTS idx_position_vehicle_time
				  ON vehicle_position (vehicle_id, event_time DESC);`,
			why: "query: latest event time / history per vehicle",
		},
		{
			sql: `CREATE INDEX IF NOT EXISTS idx_position_vehicle_leveled
				  ON vehicle_position (vehicle_id, event_time DESC)
				  WHERE level_percent IS NOT NULL;`,
			why: "query: lookback window of leveled points",
		},
		{
			sql: `CREATE UNIQUE INDEX IF NOT EXISTS uq_tank_session_open
				  ON tank_session (vehicle_id)
				  WHERE end_time IS NULL;`,
			why: "invariant: at most one open session per vehicle",
		},
		{
			sql: `CREATE INDEX IF NOT EXISTS idx_session_vehicle
				  ON tank_session (vehicle_id, start_time DESC);`,
			why: "query: session history per vehicle",
		},
	}

	for _, idx := range indexes {
		if err := execStep(ctx, conn, idx.sql, idx.why); err != nil {
			return err
		}
	}
	return nil
}

func verifySchema(ctx context.Context, conn *pgx.Conn) error {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	for _, table := range []string{"vehicle", "vehicle_position", "tank_session"} {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			return fmt.Errorf("table %s was not created: %w", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('vehicle_position', 'tank_session')
		AND indexname LIKE 'idx_%' OR indexname LIKE 'uq_%'
	`).Scan(&indexCount)
	if err != nil {
		return fmt.Errorf("index check failed: %w", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
	return nil
}

func execStep(ctx context.Context, conn *pgx.Conn, sql, label string) error {
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	fmt.Printf("  ✓ %s\n", label)
	return nil
}
