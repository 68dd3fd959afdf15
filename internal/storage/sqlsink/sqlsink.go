// Package sqlsink writes metrics entries to SQL tables. SQLite goes through
// modernc.org/sqlite, PostgreSQL through the pgx stdlib driver.
//
// Tables, all scoped by design name:
//
//	Iterations  one row per (design, iteration), last write wins
//	Workers     one row per exploration attempt
//	Designs     one row per design, last write wins
//
// Opening a sink clears the rows of its design so a rerun starts clean.
package sqlsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/ChuLiYu/drt-dist/internal/metrics"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownDialect 不支援的資料庫
	ErrUnknownDialect = errors.New("sqlsink: unknown dialect")
	// ErrNoDesign 沒有設計名稱
	ErrNoDesign = errors.New("sqlsink: design name required")
)

// Dialect selects DDL and placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, string(d))
}

// bind rewrites ? placeholders to $n for postgres.
func (d Dialect) bind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() []string {
	workerID := "id INTEGER PRIMARY KEY"
	if d == DialectPostgres {
		workerID = "id BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS Iterations (
			design_name TEXT,
			iteration INTEGER,
			drvs INTEGER,
			total_workers INTEGER,
			active_workers INTEGER,
			violating_gcells INTEGER,
			violating_nets INTEGER,
			flow_type TEXT,
			PRIMARY KEY (design_name, iteration))`,
		`CREATE TABLE IF NOT EXISTS Workers (
			` + workerID + `,
			design_name TEXT,
			iteration INTEGER,
			worker_id INTEGER,
			drv_cost_mult INTEGER,
			marker_cost_mult INTEGER,
			init_drvs INTEGER,
			end_drvs INTEGER,
			chosen INTEGER)`,
		`CREATE TABLE IF NOT EXISTS Designs (
			design_name TEXT,
			area BIGINT,
			nets INTEGER,
			gcells INTEGER,
			PRIMARY KEY (design_name))`,
	}
}

const (
	insertIteration = `INSERT INTO Iterations
		(design_name, iteration, drvs, total_workers, active_workers, violating_gcells, violating_nets, flow_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (design_name, iteration) DO UPDATE SET
			drvs = excluded.drvs,
			total_workers = excluded.total_workers,
			active_workers = excluded.active_workers,
			violating_gcells = excluded.violating_gcells,
			violating_nets = excluded.violating_nets,
			flow_type = excluded.flow_type`
	insertWorker = `INSERT INTO Workers
		(design_name, iteration, worker_id, drv_cost_mult, marker_cost_mult, init_drvs, end_drvs, chosen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	insertDesign = `INSERT INTO Designs (design_name, area, nets, gcells)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (design_name) DO UPDATE SET
			area = excluded.area,
			nets = excluded.nets,
			gcells = excluded.gcells`
)

// Sink implements metrics.Sink on a *sql.DB.
type Sink struct {
	db      *sql.DB
	dialect Dialect
	design  string
	ownsDB  bool

	closeOnce sync.Once
	closeErr  error
}

var _ metrics.Sink = (*Sink)(nil)

// Open connects with the dialect's driver and prepares the tables.
func Open(ctx context.Context, dialect Dialect, dsn, design string) (*Sink, error) {
	driver, err := dialect.DriverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlsink: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, dialect, design)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New uses an existing connection pool. Close does not close db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, design string) (*Sink, error) {
	if _, err := dialect.DriverName(); err != nil {
		return nil, err
	}
	if design == "" {
		return nil, ErrNoDesign
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlsink: ping: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("sqlsink: journal mode: %w", err)
		}
	}
	for _, ddl := range dialect.schema() {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("sqlsink: create table: %w", err)
		}
	}
	for _, table := range []string{"Iterations", "Workers", "Designs"} {
		q := dialect.bind("DELETE FROM " + table + " WHERE design_name = ?")
		if _, err := db.ExecContext(ctx, q, design); err != nil {
			return nil, fmt.Errorf("sqlsink: clear %s: %w", table, err)
		}
	}
	return &Sink{db: db, dialect: dialect, design: design}, nil
}

// WriteIteration implements metrics.Sink.
func (s *Sink) WriteIteration(ctx context.Context, e metrics.IterationEntry) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(insertIteration),
		s.design, e.Iteration, e.DRVs, e.TotalWorkers, e.ActiveWorkers,
		e.ViolatingGCells, e.ViolatingNets, e.FlowType)
	if err != nil {
		return fmt.Errorf("sqlsink: insert iteration %d: %w", e.Iteration, err)
	}
	return nil
}

// WriteWorker implements metrics.Sink.
func (s *Sink) WriteWorker(ctx context.Context, e metrics.WorkerEntry) error {
	chosen := 0
	if e.Chosen {
		chosen = 1
	}
	_, err := s.db.ExecContext(ctx, s.dialect.bind(insertWorker),
		s.design, e.Iteration, e.WorkerID, e.DrcCostMult, e.MarkerCostMult,
		e.InitDRVs, e.EndDRVs, chosen)
	if err != nil {
		return fmt.Errorf("sqlsink: insert worker %d: %w", e.WorkerID, err)
	}
	return nil
}

// WriteDesign implements metrics.Sink.
func (s *Sink) WriteDesign(ctx context.Context, e metrics.DesignEntry) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(insertDesign), s.design, e.Area, e.Nets, e.GCells)
	if err != nil {
		return fmt.Errorf("sqlsink: insert design: %w", err)
	}
	return nil
}

// Counts returns the number of rows of this design per table.
func (s *Sink) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, table := range []string{"Iterations", "Workers", "Designs"} {
		var n int
		q := s.dialect.bind("SELECT COUNT(*) FROM " + table + " WHERE design_name = ?")
		if err := s.db.QueryRowContext(ctx, q, s.design).Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlsink: count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// Close releases the connection pool if Open created it.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		if s.ownsDB {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
