// Package store persists monitor tables to SQLite so runs can be compared
// after the process exits. One database holds many runs; each run holds the
// records of all its replications.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/inference-sim/dessim/sim/trace"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// RunMeta describes a stored run.
type RunMeta struct {
	ID           string
	CreatedAt    time.Time
	Scenario     string
	Seed         int64
	Replications int
	Until        float64 // +Inf when the run drained its event queue
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		created_at   TEXT NOT NULL,
		scenario     TEXT NOT NULL DEFAULT '',
		seed         INTEGER NOT NULL,
		replications INTEGER NOT NULL,
		until        REAL
	);

	CREATE TABLE IF NOT EXISTS arrivals (
		run_id        TEXT NOT NULL REFERENCES runs(id),
		replication   INTEGER NOT NULL,
		name          TEXT NOT NULL,
		start_time    REAL NOT NULL,
		end_time      REAL NOT NULL,
		activity_time REAL NOT NULL,
		finished      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_arrivals_run ON arrivals(run_id, replication);

	CREATE TABLE IF NOT EXISTS arrival_resources (
		run_id        TEXT NOT NULL REFERENCES runs(id),
		replication   INTEGER NOT NULL,
		name          TEXT NOT NULL,
		resource      TEXT NOT NULL,
		start_time    REAL NOT NULL,
		end_time      REAL NOT NULL,
		activity_time REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_arrival_resources_run ON arrival_resources(run_id, replication);

	CREATE TABLE IF NOT EXISTS resources (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		replication INTEGER NOT NULL,
		resource    TEXT NOT NULL,
		time        REAL NOT NULL,
		server      INTEGER NOT NULL,
		queue       INTEGER NOT NULL,
		capacity    INTEGER NOT NULL,
		queue_size  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resources_run ON resources(run_id, replication);

	CREATE TABLE IF NOT EXISTS attributes (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		replication INTEGER NOT NULL,
		time        REAL NOT NULL,
		name        TEXT NOT NULL,
		key         TEXT NOT NULL,
		value       REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attributes_run ON attributes(run_id, replication);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun stores the run metadata and every table of m in one transaction.
// The ID and CreatedAt fields of meta are assigned here and returned.
func (s *Store) SaveRun(ctx context.Context, meta RunMeta, m *trace.Monitor) (RunMeta, error) {
	meta.ID = uuid.New().String()
	meta.CreatedAt = time.Now().UTC()
	err := retryOnContention(func() error {
		return s.saveRun(ctx, meta, m)
	})
	if err != nil {
		return RunMeta{}, fmt.Errorf("save run: %w", err)
	}
	return meta, nil
}

func (s *Store) saveRun(ctx context.Context, meta RunMeta, m *trace.Monitor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// SQLite has no portable infinity; a NULL horizon means "until drained".
	var until sql.NullFloat64
	if !math.IsInf(meta.Until, 1) {
		until = sql.NullFloat64{Float64: meta.Until, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, scenario, seed, replications, until) VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.CreatedAt.Format(time.RFC3339Nano), meta.Scenario, meta.Seed, meta.Replications, until,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, r := range m.Arrivals() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO arrivals (run_id, replication, name, start_time, end_time, activity_time, finished)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			meta.ID, r.Replication, r.Name, r.StartTime, r.EndTime, r.ActivityTime, r.Finished,
		); err != nil {
			return fmt.Errorf("insert arrival %s: %w", r.Name, err)
		}
	}
	for _, r := range m.ArrivalResources() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO arrival_resources (run_id, replication, name, resource, start_time, end_time, activity_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			meta.ID, r.Replication, r.Name, r.Resource, r.StartTime, r.EndTime, r.ActivityTime,
		); err != nil {
			return fmt.Errorf("insert arrival resource %s/%s: %w", r.Name, r.Resource, err)
		}
	}
	for _, r := range m.Resources() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resources (run_id, replication, resource, time, server, queue, capacity, queue_size)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			meta.ID, r.Replication, r.Resource, r.Time, r.Server, r.Queue, r.Capacity, r.QueueSize,
		); err != nil {
			return fmt.Errorf("insert resource %s: %w", r.Resource, err)
		}
	}
	for _, r := range m.Attributes() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attributes (run_id, replication, time, name, key, value) VALUES (?, ?, ?, ?, ?, ?)`,
			meta.ID, r.Replication, r.Time, r.Name, r.Key, r.Value,
		); err != nil {
			return fmt.Errorf("insert attribute %s: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

// GetRun retrieves the metadata of one run.
func (s *Store) GetRun(ctx context.Context, id string) (RunMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, scenario, seed, replications, until FROM runs WHERE id = ?`, id,
	)
	meta, err := scanRun(row)
	if err != nil {
		return RunMeta{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return meta, nil
}

// ListRuns returns every stored run, oldest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, scenario, seed, replications, until FROM runs ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunMeta
	for rows.Next() {
		meta, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, meta)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunMeta, error) {
	var meta RunMeta
	var created string
	var until sql.NullFloat64
	if err := row.Scan(&meta.ID, &created, &meta.Scenario, &meta.Seed, &meta.Replications, &until); err != nil {
		return RunMeta{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return RunMeta{}, fmt.Errorf("parse created_at for run %s: %w", meta.ID, err)
	}
	meta.CreatedAt = t
	meta.Until = math.Inf(1)
	if until.Valid {
		meta.Until = until.Float64
	}
	return meta, nil
}

// LoadMonitors rebuilds one monitor per replication of a stored run, indexed
// by replication. Records come back in insertion order.
func (s *Store) LoadMonitors(ctx context.Context, id string) ([]*trace.Monitor, error) {
	meta, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	monitors := make([]*trace.Monitor, meta.Replications)
	for i := range monitors {
		monitors[i] = trace.NewMonitor(i)
	}
	at := func(rep int) (*trace.Monitor, error) {
		if rep < 0 || rep >= len(monitors) {
			return nil, fmt.Errorf("run %s: replication %d out of range [0, %d)", id, rep, len(monitors))
		}
		return monitors[rep], nil
	}

	if err := s.each(ctx,
		`SELECT replication, name, start_time, end_time, activity_time, finished
		 FROM arrivals WHERE run_id = ? ORDER BY rowid`, id,
		func(rows *sql.Rows) error {
			var rep int
			var r trace.ArrivalRecord
			if err := rows.Scan(&rep, &r.Name, &r.StartTime, &r.EndTime, &r.ActivityTime, &r.Finished); err != nil {
				return err
			}
			m, err := at(rep)
			if err != nil {
				return err
			}
			m.RecordArrival(r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load arrivals: %w", err)
	}

	if err := s.each(ctx,
		`SELECT replication, name, resource, start_time, end_time, activity_time
		 FROM arrival_resources WHERE run_id = ? ORDER BY rowid`, id,
		func(rows *sql.Rows) error {
			var rep int
			var r trace.ArrivalResourceRecord
			if err := rows.Scan(&rep, &r.Name, &r.Resource, &r.StartTime, &r.EndTime, &r.ActivityTime); err != nil {
				return err
			}
			m, err := at(rep)
			if err != nil {
				return err
			}
			m.RecordArrivalResource(r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load arrival resources: %w", err)
	}

	if err := s.each(ctx,
		`SELECT replication, resource, time, server, queue, capacity, queue_size
		 FROM resources WHERE run_id = ? ORDER BY rowid`, id,
		func(rows *sql.Rows) error {
			var rep int
			var r trace.ResourceRecord
			if err := rows.Scan(&rep, &r.Resource, &r.Time, &r.Server, &r.Queue, &r.Capacity, &r.QueueSize); err != nil {
				return err
			}
			m, err := at(rep)
			if err != nil {
				return err
			}
			m.RecordResource(r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}

	if err := s.each(ctx,
		`SELECT replication, time, name, key, value
		 FROM attributes WHERE run_id = ? ORDER BY rowid`, id,
		func(rows *sql.Rows) error {
			var rep int
			var r trace.AttributeRecord
			if err := rows.Scan(&rep, &r.Time, &r.Name, &r.Key, &r.Value); err != nil {
				return err
			}
			m, err := at(rep)
			if err != nil {
				return err
			}
			m.RecordAttribute(r)
			return nil
		}); err != nil {
		return nil, fmt.Errorf("load attributes: %w", err)
	}
	return monitors, nil
}

// LoadMonitor returns the merged tables of every replication of a run.
func (s *Store) LoadMonitor(ctx context.Context, id string) (*trace.Monitor, error) {
	monitors, err := s.LoadMonitors(ctx, id)
	if err != nil {
		return nil, err
	}
	return trace.Merge(monitors...), nil
}

// DeleteRun removes a run and all its records.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		for _, table := range []string{"arrivals", "arrival_resources", "resources", "attributes"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
		}
		return tx.Commit()
	})
}

func (s *Store) each(ctx context.Context, query, id string, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
